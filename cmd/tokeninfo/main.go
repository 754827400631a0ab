package main

import (
	"carrot/internal/auth"
	"carrot/internal/storage"
	"fmt"
	"os"
	"time"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: tokeninfo <db-file>")
		os.Exit(1)
	}

	store, err := storage.NewBboltStorage(os.Args[1])
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	sessions, err := store.ListSessions()
	if err != nil {
		fmt.Printf("Error reading sessions: %v\n", err)
		os.Exit(1)
	}
	if len(sessions) == 0 {
		fmt.Println("No stored sessions.")
		return
	}

	now := time.Now()
	for _, s := range sessions {
		fmt.Printf("%s\n", s.Server)
		fmt.Printf("  user:    %s (id %d)\n", s.Session.User.Username, s.Session.User.ID)
		fmt.Printf("  saved:   %s\n", s.SavedAt.Format(time.RFC3339))

		claims, err := auth.ParseClaims(s.Session.Token)
		if err != nil {
			fmt.Println("  token:   opaque")
			continue
		}
		if !claims.IssuedAt.IsZero() {
			fmt.Printf("  issued:  %s\n", claims.IssuedAt.Format(time.RFC3339))
		}
		switch {
		case claims.ExpiresAt.IsZero():
			fmt.Println("  expires: never")
		case claims.Expired(now):
			fmt.Printf("  expires: %s (expired)\n", claims.ExpiresAt.Format(time.RFC3339))
		default:
			fmt.Printf("  expires: %s (in %s)\n", claims.ExpiresAt.Format(time.RFC3339), claims.ExpiresAt.Sub(now).Round(time.Second))
		}
	}
}

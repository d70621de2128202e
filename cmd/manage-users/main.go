// Command manage-users provisions user accounts against the persistence
// store. It is an offline admin boundary: deleting a user does not revoke
// that user's already-issued sessions.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"livemd/auth"
	"livemd/config"
	"livemd/store"
)

const usage = `Manage user accounts.

Usage:
  manage-users create [<username>]
  manage-users delete [<username>]
  manage-users list
  manage-users -h | --help

Options:
  -h --help  Show this screen.`

func main() {
	opts, err := docopt.ParseDoc(usage)
	if err != nil {
		os.Exit(1)
	}

	_ = godotenv.Load()
	cfg := config.Load()
	fmt.Printf("Using directory %s for application data\n", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data directory: %v\n", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.StoreDriver, cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	errorOccurred := false
	switch {
	case opts["create"] == true:
		errorOccurred = createUser(st, argOrPrompt(opts, "<username>"))
	case opts["delete"] == true:
		errorOccurred = deleteUser(st, argOrPrompt(opts, "<username>"))
	case opts["list"] == true:
		errorOccurred = listUsers(st)
	}

	if errorOccurred {
		os.Exit(1)
	}
}

func argOrPrompt(opts docopt.Opts, key string) string {
	if v, _ := opts.String(key); v != "" {
		return v
	}
	fmt.Print("Enter username: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		fmt.Fprintln(os.Stderr, "Please give a username.")
		os.Exit(1)
	}
	username := strings.TrimSpace(line)
	if username == "" {
		fmt.Fprintln(os.Stderr, "Please give a username.")
		os.Exit(1)
	}
	return username
}

func promptPassword() string {
	fmt.Print("Enter password for new user: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil || len(password) == 0 {
		fmt.Fprintln(os.Stderr, "Please give a password.")
		os.Exit(1)
	}
	return string(password)
}

func createUser(st *store.Store, username string) bool {
	hash, err := auth.HashPassword(promptPassword())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash password: %v\n", err)
		return true
	}
	if err := st.CreateUser(username, hash); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to add user: %v\n", err)
		return true
	}
	fmt.Printf("Created user %s\n", username)
	return false
}

func deleteUser(st *store.Store, username string) bool {
	if err := st.DeleteUser(username); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to delete user: %v\n", err)
		return true
	}
	fmt.Printf("Deleted user %s\n", username)
	return false
}

func listUsers(st *store.Store) bool {
	usernames, err := st.ListUsers()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list users: %v\n", err)
		return true
	}
	for _, username := range usernames {
		fmt.Println(username)
	}
	return false
}

// Command chatcli is a terminal client for the chat server.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"golang.org/x/term"

	"chatstream/internal/chatclient"
)

// readPassword is swapped in tests.
var readPassword = term.ReadPassword

func main() {
	server := flag.String("server", envOr("CHATSTREAM_SERVER", "http://localhost:8090"), "chat server base URL")
	email := flag.String("email", os.Getenv("CHATSTREAM_EMAIL"), "account email")
	register := flag.Bool("register", false, "create the account before signing in")
	name := flag.String("name", "", "display name used with -register")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reader := bufio.NewReader(os.Stdin)
	if *email == "" {
		fmt.Print("Email: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fatal(err)
		}
		*email = strings.TrimSpace(line)
	}
	password, err := promptPassword()
	if err != nil {
		fatal(err)
	}

	client := chatclient.New(*server)
	if *register {
		user, err := client.Register(ctx, *name, *email, password)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("registered %s (%s)\n", user.Email, user.Status)
	}
	if _, err := client.Login(ctx, *email, password); err != nil {
		fatal(err)
	}

	r := newREPL(client, os.Stdout)
	if err := r.run(ctx, reader); err != nil {
		fatal(err)
	}
	_ = client.Logout(context.Background())
}

func promptPassword() (string, error) {
	fmt.Print("Password: ")
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "chatcli:", err)
	os.Exit(1)
}

// ABOUTME: Admin CLI for converse-gateway users and tool servers
// ABOUTME: Mints access tokens and manages tool server registrations against the store

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/2389/converse/internal/auth"
	"github.com/2389/converse/internal/config"
	"github.com/2389/converse/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	_ = godotenv.Load()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "token":
		err = cmdToken(args)
	case "tools":
		err = cmdTools(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: converse-admin <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  token <user-id> [--ttl DURATION] [--role ROLE]...")
	fmt.Println("                              Mint an access token for a user")
	fmt.Println("  tools list <user-id>        List a user's tool servers")
	fmt.Println("  tools register <user-id> <name> <base-url>")
	fmt.Println("                              Register a tool server")
	fmt.Println("  tools enable <server-id>    Activate a tool server")
	fmt.Println("  tools disable <server-id>   Deactivate a tool server")
	fmt.Println()
	fmt.Println("Config file location follows CONVERSE_CONFIG / XDG_CONFIG_HOME.")
}

func loadConfig() (*config.Config, error) {
	path := os.Getenv("CONVERSE_CONFIG")
	if path == "" {
		path = "gateway.yaml"
	}
	return config.Load(path)
}

func openStore() (*store.SQLiteStore, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	return db, cfg, nil
}

func cmdToken(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: token <user-id> [--ttl DURATION] [--role ROLE]...")
	}
	userID := args[0]
	ttl := 24 * time.Hour
	var roles []string

	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			i++
			parsed, err := time.ParseDuration(args[i])
			if err != nil {
				return fmt.Errorf("invalid ttl %q: %w", args[i], err)
			}
			ttl = parsed
		case "--role":
			if i+1 >= len(args) {
				return fmt.Errorf("--role requires a value")
			}
			i++
			roles = append(roles, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(userID, roles, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Token for %s (valid %s):\n", userID, ttl)
	fmt.Println(token)
	return nil
}

func cmdTools(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tools <list|register|enable|disable> ...")
	}

	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	switch args[0] {
	case "list":
		if len(args) != 2 {
			return fmt.Errorf("usage: tools list <user-id>")
		}
		return toolsList(ctx, db, args[1])
	case "register":
		if len(args) != 4 {
			return fmt.Errorf("usage: tools register <user-id> <name> <base-url>")
		}
		return toolsRegister(ctx, db, args[1], args[2], args[3])
	case "enable":
		if len(args) != 2 {
			return fmt.Errorf("usage: tools enable <server-id>")
		}
		return toolsSetActive(ctx, db, args[1], true)
	case "disable":
		if len(args) != 2 {
			return fmt.Errorf("usage: tools disable <server-id>")
		}
		return toolsSetActive(ctx, db, args[1], false)
	default:
		return fmt.Errorf("unknown tools subcommand: %s", args[0])
	}
}

func toolsList(ctx context.Context, db store.Store, userID string) error {
	servers, err := db.ListToolServers(ctx, userID, false)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Println("No tool servers registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tURL\tSTATUS")
	for _, s := range servers {
		status := color.RedString("inactive")
		if s.Active {
			status = color.GreenString("active")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Name, s.BaseURL, status)
	}
	return w.Flush()
}

func toolsRegister(ctx context.Context, db store.Store, userID, name, baseURL string) error {
	now := time.Now().UTC()
	server := &store.ToolServer{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		BaseURL:   baseURL,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.CreateToolServer(ctx, server); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("Registered ")
	fmt.Printf("%s (%s) for %s\n", name, server.ID, userID)
	return nil
}

func toolsSetActive(ctx context.Context, db store.Store, serverID string, active bool) error {
	if err := db.SetToolServerActive(ctx, serverID, active); err != nil {
		return err
	}
	state := "disabled"
	if active {
		state = "enabled"
	}
	fmt.Printf("Tool server %s %s.\n", serverID, state)
	return nil
}

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/4xmen/hamkar/internal/auth"
	"github.com/4xmen/hamkar/pkg/config"
)

type tokenOptions struct {
	UserID int
	Role   string
}

// parseTokenArgs reads `--user ID [--role ROLE]`. Users live in the HR
// directory, so the id is not checked against any table here.
func parseTokenArgs(args []string) (tokenOptions, error) {
	opts := tokenOptions{Role: "employee"}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--user":
			i++
			if i >= len(args) {
				return opts, fmt.Errorf("--user requires an id")
			}
			id, err := strconv.Atoi(args[i])
			if err != nil || id <= 0 {
				return opts, fmt.Errorf("invalid user id: %q", args[i])
			}
			opts.UserID = id
		case "--role":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return opts, fmt.Errorf("--role requires a value")
			}
			opts.Role = strings.TrimSpace(args[i])
		default:
			return opts, fmt.Errorf("unknown token flag: %s", args[i])
		}
	}

	if opts.UserID == 0 {
		return opts, fmt.Errorf("missing --user")
	}
	return opts, nil
}

func runToken(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	token, err := auth.New(cfg.JWTSecret).GenerateToken(opts.UserID, opts.Role)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

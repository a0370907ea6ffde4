package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/turtacn/keystore/internal/bootstrap"
	"github.com/turtacn/keystore/pkg/errors"
)

// maxTokenBytes bounds a token read from stdin.
const maxTokenBytes = 64 << 10

func newJWTCommand(opts *rootOptions) *cobra.Command {
	jwtCmd := &cobra.Command{
		Use:   "jwt",
		Short: "Convert keys to and from their signed compact form",
	}
	jwtCmd.AddCommand(newJWTEncodeCommand(opts), newJWTDecodeCommand(opts), newJWTImportCommand(opts))
	return jwtCmd
}

func newJWTEncodeCommand(opts *rootOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "encode [USER_ID CLIENT_ID]",
		Short: "Print the signed token of a stored key",
		Args:  identityOrToken(&token),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, app *bootstrap.App) error {
				var (
					jwt string
					err error
				)
				if token != "" {
					jwt, err = app.Keys.GetJWTByAccessToken(ctx, token)
				} else {
					jwt, err = app.Keys.GetJWT(ctx, identityFromArgs(args))
				}
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), jwt)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "look the key up by access token value")
	return cmd
}

func newJWTDecodeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decode TOKEN|-",
		Short: "Verify a signed token and print the key it carries without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd, args[0])
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, app *bootstrap.App) error {
				key, err := app.Keys.DecodeJWT(ctx, token)
				if err != nil {
					return err
				}
				return printJSON(cmd, key)
			})
		},
	}
}

func newJWTImportCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import TOKEN|-",
		Short: "Verify a signed token and store the key it carries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd, args[0])
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, app *bootstrap.App) error {
				key, err := app.Keys.CreateFromJWT(ctx, token)
				if err != nil {
					return err
				}
				return printJSON(cmd, key)
			})
		},
	}
}

// readToken returns arg, or the token read from stdin when arg is "-".
func readToken(cmd *cobra.Command, arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	raw, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), maxTokenBytes))
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", errors.ClaimsParsingFailure("empty token on stdin", nil)
	}
	return token, nil
}

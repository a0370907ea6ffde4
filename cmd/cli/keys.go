package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/turtacn/keystore/internal/application/dto"
	"github.com/turtacn/keystore/internal/bootstrap"
	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/pkg/errors"
)

func newKeysCommand(opts *rootOptions) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage keys",
	}
	keysCmd.AddCommand(
		newKeysCreateCommand(opts),
		newKeysGetCommand(opts),
		newKeysListCommand(opts),
		newKeysRefreshCommand(opts),
		newKeysRevokeCommand(opts),
	)
	return keysCmd
}

func newKeysCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		scopes []string
		attrs  map[string]string
	)
	cmd := &cobra.Command{
		Use:   "create USER_ID CLIENT_ID",
		Short: "Issue a new key, replacing any key of the same identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseScopes(scopes)
			if err != nil {
				return err
			}
			req := &dto.CreateKeyRequest{UserID: args[0], ClientID: args[1], Scope: scope, Attributes: attrs}
			return opts.run(cmd, func(ctx context.Context, app *bootstrap.App) error {
				key, err := app.Keys.Create(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd, key)
			})
		},
	}
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "granted resource as resource=verb,verb (repeatable)")
	cmd.Flags().StringToStringVar(&attrs, "attr", nil, "attribute as key=value (repeatable)")
	return cmd
}

func newKeysGetCommand(opts *rootOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "get [USER_ID CLIENT_ID]",
		Short: "Show a key by identity or by access token",
		Args:  identityOrToken(&token),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, app *bootstrap.App) error {
				var (
					key *models.Key
					err error
				)
				if token != "" {
					key, err = app.Keys.GetByAccessToken(ctx, token)
				} else {
					key, err = app.Keys.Get(ctx, identityFromArgs(args))
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, key)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "look the key up by access token value")
	return cmd
}

func newKeysListCommand(opts *rootOptions) *cobra.Command {
	var (
		rawParams                  []string
		userID, clientID, agencyID string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Query keys with filter, sort, paging and field parameters",
		Example: `  keystore-admin keys list --param sortBy=created --param sortOrder=desc
  keystore-admin keys list --user u1 --param fields=userId,clientId`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if countSet(userID, clientID, agencyID) > 1 {
				return errors.BadParameter("constraint", "at most one of --user, --client and --agency may be set")
			}
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, app *bootstrap.App) error {
				var (
					page *dto.KeyPageResponse
					err  error
				)
				switch {
				case userID != "":
					page, err = app.Keys.QueryByUserID(ctx, userID, params)
				case clientID != "":
					page, err = app.Keys.QueryByClientID(ctx, clientID, params)
				case agencyID != "":
					page, err = app.Keys.QueryByAgencyCode(ctx, agencyID, params)
				default:
					page, err = app.Keys.Query(ctx, params)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, page)
			})
		},
	}
	cmd.Flags().StringArrayVar(&rawParams, "param", nil, "query parameter as name=value (repeatable)")
	cmd.Flags().StringVar(&userID, "user", "", "restrict to keys of this userId")
	cmd.Flags().StringVar(&clientID, "client", "", "restrict to keys of this clientId")
	cmd.Flags().StringVar(&agencyID, "agency", "", "restrict to keys of this agencyCode")
	return cmd
}

func newKeysRefreshCommand(opts *rootOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "refresh [USER_ID CLIENT_ID]",
		Short: "Issue new tokens for a key whose refresh token is still valid",
		Args:  identityOrToken(&token),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, app *bootstrap.App) error {
				var (
					key *models.Key
					err error
				)
				if token != "" {
					key, err = app.Keys.RefreshByToken(ctx, token)
				} else {
					key, err = app.Keys.Refresh(ctx, identityFromArgs(args))
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, key)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "refresh by refresh token value")
	return cmd
}

func newKeysRevokeCommand(opts *rootOptions) *cobra.Command {
	var token, allUser, allClient, allAgency string
	cmd := &cobra.Command{
		Use:   "revoke [USER_ID CLIENT_ID]",
		Short: "Delete one key, or every key of a user, client or agency",
		Args: func(cmd *cobra.Command, args []string) error {
			bulk := countSet(allUser, allClient, allAgency)
			switch {
			case bulk > 1:
				return errors.BadParameter("constraint", "at most one of --all-user, --all-client and --all-agency may be set")
			case bulk == 1 && (len(args) > 0 || token != ""):
				return errors.BadParameter("constraint", "bulk revocation takes no identity or token")
			case bulk == 1:
				return nil
			}
			return identityOrToken(&token)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, app *bootstrap.App) error {
				var (
					n   = 1
					err error
				)
				switch {
				case allUser != "":
					n, err = app.Keys.RevokeAllByUserID(ctx, allUser)
				case allClient != "":
					n, err = app.Keys.RevokeAllByClientID(ctx, allClient)
				case allAgency != "":
					n, err = app.Keys.RevokeAllByAgencyCode(ctx, allAgency)
				case token != "":
					err = app.Keys.RevokeByToken(ctx, token)
				default:
					err = app.Keys.Revoke(ctx, identityFromArgs(args))
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, dto.RevokeResult{Revoked: n})
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "revoke the key holding this access token")
	cmd.Flags().StringVar(&allUser, "all-user", "", "revoke every key of this userId")
	cmd.Flags().StringVar(&allClient, "all-client", "", "revoke every key of this clientId")
	cmd.Flags().StringVar(&allAgency, "all-agency", "", "revoke every key of this agencyCode")
	return cmd
}

// ================================================================================
// Argument helpers
// ================================================================================

// identityOrToken accepts either USER_ID CLIENT_ID or a non-empty --token.
func identityOrToken(token *string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		switch {
		case *token != "" && len(args) == 0:
			return nil
		case *token != "":
			return errors.BadParameter("token", "--token cannot be combined with an identity")
		case len(args) == 2:
			return nil
		default:
			return errors.MissingIdentity("USER_ID and CLIENT_ID are required unless --token is given")
		}
	}
}

func identityFromArgs(args []string) models.Identity {
	return models.Identity{UserID: args[0], ClientID: args[1]}
}

func parseScopes(raw []string) ([]models.Resource, error) {
	scope := make([]models.Resource, 0, len(raw))
	for _, s := range raw {
		name, verbs, ok := strings.Cut(s, "=")
		if !ok || name == "" || verbs == "" {
			return nil, errors.BadParameter("scope", fmt.Sprintf("scope %q must be resource=verb[,verb]", s))
		}
		scope = append(scope, models.NewResource(name, strings.Split(verbs, ",")...))
	}
	return scope, nil
}

// parseParams splits name=value pairs. Values may contain commas and '='.
func parseParams(raw []string) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	for _, p := range raw {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, errors.BadParameter("param", fmt.Sprintf("parameter %q must be name=value", p))
		}
		params[name] = value
	}
	return params, nil
}

func countSet(values ...string) int {
	n := 0
	for _, v := range values {
		if v != "" {
			n++
		}
	}
	return n
}

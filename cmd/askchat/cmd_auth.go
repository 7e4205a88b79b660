package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/liliang-cn/askchat/internal/domain"
	"github.com/spf13/cobra"
)

func loginCmd() *cobra.Command {
	var (
		email    string
		password string
		code     string
		sendCode bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the backend",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			if email == "" {
				return fmt.Errorf("--email is required")
			}
			if sendCode {
				if err := a.chat.SendCode(cmd.Context(), email); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Verification code sent to %s\n", email)
				return nil
			}
			if password == "" && code == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}
				password = strings.TrimSpace(line)
			}

			res, err := a.chat.Login(cmd.Context(), domain.LoginRequest{Email: email, Password: password, Code: code})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", res.User.Email)
			return nil
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (prompted when omitted)")
	cmd.Flags().StringVar(&code, "code", "", "One-time verification code")
	cmd.Flags().BoolVar(&sendCode, "send-code", false, "Email a verification code instead of signing in")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credential",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			if err := a.chat.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		}),
	}
}

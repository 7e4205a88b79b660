package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/liliang-cn/askchat/internal/domain"
	"github.com/liliang-cn/askchat/internal/service"
	"github.com/spf13/cobra"
)

func assistantsCmd() *cobra.Command {
	var selectID string
	cmd := &cobra.Command{
		Use:   "assistants",
		Short: "List chat assistants",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			if selectID != "" {
				return a.chat.SelectAssistant(selectID)
			}
			assistants, err := a.chat.Assistants(cmd.Context())
			if err != nil {
				return err
			}
			current := a.chat.CurrentAssistant()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\tID\tNAME\tDESCRIPTION")
			for _, as := range assistants {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", marker(as.ID == current), as.ID, as.Name, as.Description)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().StringVar(&selectID, "select", "", "Remember this assistant for later commands")
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage chat sessions",
	}

	var assistantID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions of an assistant",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			id := assistantID
			if id == "" {
				id = a.chat.CurrentAssistant()
			}
			sessions, err := a.chat.Sessions(cmd.Context(), id)
			if err != nil {
				return err
			}
			current := a.chat.CurrentSession()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\tID\tNAME\tUPDATED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", marker(s.ID == current), s.ID, s.Name, formatTime(s.UpdateTime))
			}
			return w.Flush()
		}),
	}
	list.Flags().StringVar(&assistantID, "assistant", "", "Assistant ID (defaults to the selected one)")

	create := &cobra.Command{
		Use:   "create [name]",
		Short: "Create and select a session",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			id := assistantID
			if id == "" {
				id = a.chat.CurrentAssistant()
			}
			if id == "" {
				return fmt.Errorf("no assistant selected: pass --assistant")
			}
			s, err := a.chat.CreateSession(cmd.Context(), id, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created session %s\n", s.ID)
			return nil
		}),
	}
	create.Flags().StringVar(&assistantID, "assistant", "", "Assistant ID (defaults to the selected one)")

	rename := &cobra.Command{
		Use:   "rename [session-id] [name]",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			return a.chat.RenameSession(cmd.Context(), args[0], args[1])
		}),
	}

	del := &cobra.Command{
		Use:   "delete [session-id]",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			return a.chat.DeleteSession(cmd.Context(), args[0])
		}),
	}

	use := &cobra.Command{
		Use:   "use [session-id]",
		Short: "Select a session for chat and history",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			return a.chat.SelectSession(args[0])
		}),
	}

	cmd.AddCommand(list, create, rename, del, use)
	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history [session-id]",
		Short: "Print a session's transcript",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			id, err := sessionArg(a, args)
			if err != nil {
				return err
			}
			msgs, err := a.chat.History(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintf(out, "%s> %s\n\n", roleLabel(m.Role), service.Render(m))
			}
			return nil
		}),
	}
}

func sessionArg(a *app, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if id := a.chat.CurrentSession(); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("no session selected: pass a session ID or run 'sessions use'")
}

func roleLabel(role string) string {
	if role == domain.RoleUser {
		return "you"
	}
	return role
}

func marker(current bool) string {
	if current {
		return "*"
	}
	return ""
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

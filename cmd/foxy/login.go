package main

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nomix/foxy/internal/conversation"
)

var (
	loginGuest bool
	loginEmail string
	loginName  string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with an email or as a guest",
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the signed-in profile",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orch.SetUser(nil); err != nil {
			return err
		}
		cmd.Println("Signed out.")
		return nil
	},
}

func init() {
	loginCmd.Flags().BoolVar(&loginGuest, "guest", false, "continue as a guest with a daily limit")
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "account email")
	loginCmd.Flags().StringVar(&loginName, "name", "", "what Foxy should call you")
}

func runLogin(cmd *cobra.Command, _ []string) error {
	var user *conversation.User
	switch {
	case loginGuest:
		user = conversation.Guest()
	case loginEmail != "":
		name := loginName
		if name == "" {
			name, _, _ = strings.Cut(loginEmail, "@")
		}
		user = &conversation.User{ID: uuid.NewString(), Email: loginEmail, Name: name}
	default:
		return errors.New("pass --guest or --email")
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.SetUser(user); err != nil {
		return err
	}
	prefs := a.orch.Preferences()
	if loginName != "" || prefs.UserName == "" {
		prefs.UserName = user.Name
		if loginName != "" {
			prefs.UserName = loginName
		}
		if err := a.orch.SetPreferences(prefs); err != nil {
			return err
		}
	}

	if user.IsGuest {
		cmd.Printf("Continuing as a guest. %d messages left today.\n", a.orch.Remaining())
		return nil
	}
	cmd.Printf("Signed in as %s.\n", user.Email)
	return nil
}

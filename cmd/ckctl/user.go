package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/coreguard/cryptkernel/pkg/acl"
	"github.com/coreguard/cryptkernel/pkg/user"
)

func addUserLoginFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "user name")
	cmd.Flags().String("password", "", "user password")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("password")
}

func init() {
	addUserLoginFlags(userLoginCmd)
	userCmd.AddCommand(userLoginCmd)
	rootCmd.AddCommand(userCmd)
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Exercise the user object's login and lifecycle state machine",
}

var userLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in as the primary security officer, reporting the resulting lifecycle state",
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		password, _ := cmd.Flags().GetString("password")

		engine, err := acl.LoadDefault()
		if err != nil {
			log.Fatalf("loading ACL table: %s", err)
		}

		u, err := user.Login(engine, name, name, password, nil, nil)
		if err != nil {
			log.Fatalf("login failed: %s", err)
		}
		fmt.Printf("logged in as %q, state=%v role=%v\n", name, u.State, u.Role)
	},
}

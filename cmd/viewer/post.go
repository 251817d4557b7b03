package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const requestTimeout = 10 * time.Second

var postAuthor string

func init() {
	rootCmd.AddCommand(postCmd, deleteCmd)
	postCmd.Flags().StringVarP(&postAuthor, "author", "a", "", "message author")
	_ = postCmd.MarkFlagRequired("author")
}

var postCmd = &cobra.Command{
	Use:   "post [body...]",
	Short: "Post a message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		m, err := newClient().CreateMessage(ctx, postAuthor, strings.Join(args, " "))
		if err != nil {
			return err
		}
		printMessage(cmd.OutOrStdout(), m, time.Now())
		fmt.Fprintln(cmd.OutOrStdout(), m.ID)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a message by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		if err := newClient().DeleteMessage(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Tyrowin/chatboard/internal/message"
	"github.com/Tyrowin/chatboard/internal/reconciler"
	"github.com/spf13/cobra"
)

var interactiveSearch bool

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().BoolVarP(&interactiveSearch, "interactive", "i", false, "read search terms line by line from stdin")
}

var searchCmd = &cobra.Command{
	Use:   "search [term...]",
	Short: "Search messages by author or body",
	Long: `search prints matching messages, newest first. With --interactive each
line read from stdin replaces the term; results are printed once typing
pauses.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if interactiveSearch {
			return searchInteractive(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		}
		if len(args) == 0 {
			return fmt.Errorf("a search term is required")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		view := reconciler.NewSearchView(newClient(), reconciler.SearchOptions{})
		defer view.Close()

		results, err := view.Search(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		printResults(cmd.OutOrStdout(), results)
		return nil
	},
}

func searchInteractive(ctx context.Context, in io.Reader, out io.Writer) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	view := reconciler.NewSearchView(newClient(), reconciler.SearchOptions{
		Logger: logger,
		OnResult: func(term string, results []message.Message, err error) {
			if err != nil {
				fmt.Fprintf(out, "search %q failed: %v\n", term, err)
				return
			}
			fmt.Fprintf(out, "-- %q --\n", term)
			printResults(out, results)
		},
	})
	defer view.Close()

	var last string
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		last = scanner.Text()
		view.SetTerm(last)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	// input ended: run the pending term now instead of waiting out the debounce
	if strings.TrimSpace(last) != "" {
		qctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		_, _ = view.Search(qctx, last)
	}
	return nil
}

func printResults(out io.Writer, results []message.Message) {
	if len(results) == 0 {
		fmt.Fprintln(out, "no matches")
		return
	}
	now := time.Now()
	for _, m := range results {
		printMessage(out, m, now)
	}
}

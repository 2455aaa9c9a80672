package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nomix/foxy/internal/config"
	"github.com/nomix/foxy/internal/news"
)

var (
	newsCountry string
	newsLimit   int
)

var newsCmd = &cobra.Command{
	Use:   "news",
	Short: "Print the headlines shown on the welcome screen",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if newsCountry != "" {
			cfg.News.Country = newsCountry
		}
		if newsLimit > 0 {
			cfg.News.PageSize = newsLimit
		}
		return printHeadlines(cmd.Context(), cmd.OutOrStdout(), cfg.News)
	},
}

func init() {
	newsCmd.Flags().StringVar(&newsCountry, "country", "", "ISO 3166 country code (overrides news.country)")
	newsCmd.Flags().IntVarP(&newsLimit, "limit", "n", 0, "number of headlines (overrides news.page_size)")
}

func printHeadlines(ctx context.Context, out io.Writer, cfg config.NewsConfig) error {
	articles, err := newNews(cfg, zerolog.Nop()).TopHeadlines(ctx)
	if errors.Is(err, news.ErrNotConfigured) {
		return fmt.Errorf("%w: set news.api_key or NEWS_API_KEY", err)
	}
	if err != nil {
		return err
	}
	if len(articles) == 0 {
		fmt.Fprintln(out, "No headlines right now.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PUBLISHED\tSOURCE\tTITLE")
	for _, a := range articles {
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.PublishedAt.Format("2006-01-02 15:04"), a.Source, a.Title)
	}
	return w.Flush()
}

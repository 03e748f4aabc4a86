package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli"

	"github.com/mediagrab/internal/client/mediagrab"
	"github.com/mediagrab/internal/jobs"
	"github.com/mediagrab/internal/session"
	"github.com/mediagrab/internal/version"
	"github.com/mediagrab/pkg/logger"
)

func main() {
	logger.Init(os.Getenv("ENV") != "production")
	defer logger.Sync()

	app := cli.NewApp()
	app.Name = "mediagrab-cli"
	app.Usage = "Probe and download media through a mediagrab server"
	app.Version = version.Version

	serverFlag := cli.StringFlag{
		Name:   "server, s",
		Usage:  "`URL` of the mediagrab server",
		Value:  "http://localhost:9191",
		EnvVar: "MEDIAGRAB_SERVER",
	}
	cookiesFlag := cli.StringFlag{
		Name:   "cookies-file",
		Usage:  "`FILE` with cookies (browser JSON export or Netscape format)",
		EnvVar: "MEDIAGRAB_COOKIES_FILE",
	}

	app.Commands = cli.Commands{
		cli.Command{
			Name:      "info",
			Usage:     "Show the formats available for a URL",
			ArgsUsage: "<url>",
			Flags:     []cli.Flag{serverFlag, cookiesFlag},
			Action:    infoAction,
		},
		cli.Command{
			Name:      "get",
			Usage:     "Download a URL; Ctrl-C cancels the job",
			ArgsUsage: "<url>",
			Flags: []cli.Flag{
				serverFlag,
				cookiesFlag,
				cli.StringFlag{
					Name:  "type, t",
					Usage: "`TYPE` to extract: video, audio, subtitles or thumbnail",
					Value: "video",
				},
				cli.StringFlag{
					Name:  "quality, q",
					Usage: "video height (e.g. 720) or audio bitrate (e.g. 192K)",
				},
				cli.StringFlag{
					Name:  "sub-lang, l",
					Usage: "subtitle `LANG`",
				},
				cli.StringFlag{
					Name:  "output, o",
					Usage: "save the artifact to `PATH` (a directory keeps the server's file name)",
				},
			},
			Action: getAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

// cookieSource reads the cookies file every time credentials are needed.
func cookieSource(path string) session.CredentialSource {
	if path == "" {
		return session.NoCredentials
	}
	return func() string {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warnf("⚠️ Cannot read cookies file: %v", err)
			return ""
		}
		return strings.TrimSpace(string(data))
	}
}

func urlArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", cli.NewExitError("expected exactly one <url> argument", 2)
	}
	return c.Args().First(), nil
}

func infoAction(c *cli.Context) error {
	rawURL, err := urlArg(c)
	if err != nil {
		return err
	}

	client := mediagrab.NewClient(c.String("server"))
	s := session.New(session.Remote(client), cookieSource(c.String("cookies-file")))
	defer s.Close()

	info, err := s.FetchInfo(context.Background(), rawURL)
	if err != nil {
		return err
	}

	fmt.Printf("Title:     %s\n", info.Title)
	if info.ThumbURL != "" {
		fmt.Printf("Thumbnail: %s\n", info.ThumbURL)
	}
	fmt.Printf("Video:     %s\n", joinOrDash(info.VideoQualities, "p"))
	fmt.Printf("Audio:     %s\n", joinOrDash(info.AudioQualities, " kbps"))
	fmt.Printf("Subtitles: %s\n", joinOrDash(info.SubLangs, ""))
	return nil
}

func joinOrDash(values []string, suffix string) string {
	if len(values) == 0 {
		return "-"
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v + suffix
	}
	return strings.Join(out, ", ")
}

func getAction(c *cli.Context) error {
	rawURL, err := urlArg(c)
	if err != nil {
		return err
	}

	client := mediagrab.NewClient(c.String("server"))
	s := session.New(session.Remote(client), cookieSource(c.String("cookies-file")))
	defer s.Close()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	ctx := context.Background()
	final, err := runDownload(ctx, s, jobs.Request{
		URL:     rawURL,
		Type:    jobs.Type(c.String("type")),
		Quality: c.String("quality"),
		SubLang: c.String("sub-lang"),
	}, quit)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr)

	switch {
	case final.State == session.StateIdle:
		return cli.NewExitError("🚫 "+final.Message, 130)
	case final.Outcome == session.OutcomeSuccess:
		fmt.Printf("✅ Ready: %s\n", client.URL(final.Result))
		if out := c.String("output"); out != "" {
			return fetch(ctx, client, final.Result, out)
		}
		return nil
	case final.Outcome == session.OutcomeCancelled:
		return cli.NewExitError("🚫 "+final.Message, 130)
	default:
		return cli.NewExitError("❌ "+final.Message, 1)
	}
}

// runDownload starts req and waits for its outcome. A signal on quit at any
// point, including while the job is being created, triggers the cancel
// action.
func runDownload(ctx context.Context, s *session.Session, req jobs.Request, quit <-chan os.Signal) (session.View, error) {
	done := make(chan session.View, 1)
	s.OnChange(func(v session.View) {
		switch v.State {
		case session.StateDownloading:
			printProgress(v)
		case session.StateTerminal, session.StateIdle:
			select {
			case done <- v:
			default:
			}
		}
	})

	started := make(chan error, 1)
	go func() { started <- s.Start(ctx, req) }()

	select {
	case err := <-started:
		if err != nil {
			return session.View{}, err
		}
	case <-quit:
		if err := <-started; err != nil {
			return session.View{}, err
		}
		s.Cancel()
		return s.Snapshot(), nil
	}

	select {
	case v := <-done:
		return v, nil
	case <-quit:
		s.Cancel()
		return s.Snapshot(), nil
	}
}

func printProgress(v session.View) {
	const width = 30
	filled := v.Progress * width / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	fmt.Fprintf(os.Stderr, "\r%s %3d%% %-24s", bar, v.Progress, v.Stage)
}

func fetch(ctx context.Context, client *mediagrab.Client, ref, out string) error {
	written, err := client.Fetch(ctx, ref, out)
	if err != nil {
		return err
	}
	fmt.Printf("💾 Saved: %s\n", written)
	return nil
}

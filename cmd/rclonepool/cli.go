package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pyropy/rclonepool/core/config"
	"github.com/pyropy/rclonepool/core/pool"
	"github.com/pyropy/rclonepool/core/webdav"
)

var initCmd = &cli.Command{
	Name:  "init",
	Usage: "Write a config template to edit",
	Action: func(c *cli.Context) error {
		path := c.String("config")
		if path == "" {
			path = config.DefaultPath()
		}
		if _, err := os.Stat(path); err == nil {
			return cli.Exit(fmt.Sprintf("config already exists at %s", path), exitMisuse)
		}

		cfg := config.Default()
		if err := cfg.Save(path); err != nil {
			return err
		}

		fmt.Printf("Config written to %s\n", path)
		fmt.Println("Add your rclone remotes to \"remotes\" (and crypt wrappers to \"crypt_remotes\"), then:")
		fmt.Println("  rclonepool upload <file> /path/on/pool")
		fmt.Println("  rclonepool serve")
		return nil
	},
}

var uploadCmd = &cli.Command{
	Name:      "upload",
	Usage:     "Upload a file into the pool",
	ArgsUsage: "<local_path> <remote_path>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.Exit("usage: upload <local_path> <remote_path>", exitMisuse)
		}

		p, cleanup, err := newPool(c, true)
		if err != nil {
			return err
		}
		defer cleanup()

		m, err := p.Upload(c.Context, c.Args().Get(0), c.Args().Get(1))
		if err != nil {
			return err
		}

		fmt.Printf("Uploaded %s (%d bytes, %d chunks)\n", m.FilePath, m.FileSize, m.ChunkCount)
		return nil
	},
}

var downloadCmd = &cli.Command{
	Name:      "download",
	Usage:     "Download a file from the pool",
	ArgsUsage: "<remote_path> <local_path>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.Exit("usage: download <remote_path> <local_path>", exitMisuse)
		}

		p, cleanup, err := newPool(c, false)
		if err != nil {
			return err
		}
		defer cleanup()

		out, err := os.Create(c.Args().Get(1))
		if err != nil {
			return err
		}
		defer out.Close()

		if err := p.Download(c.Context, c.Args().Get(0), out); err != nil {
			return err
		}

		fmt.Printf("Downloaded %s -> %s\n", c.Args().Get(0), c.Args().Get(1))
		return nil
	},
}

var lsCmd = &cli.Command{
	Name:      "ls",
	Usage:     "List files in the pool",
	ArgsUsage: "[dir]",
	Action: func(c *cli.Context) error {
		p, cleanup, err := newPool(c, false)
		if err != nil {
			return err
		}
		defer cleanup()

		dir := c.Args().Get(0)
		if dir == "" {
			dir = "/"
		}

		files, err := p.List(c.Context, dir)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Println("No files found.")
			return nil
		}

		for _, f := range files {
			fmt.Printf("%-40s %12d bytes %4d chunks  %v\n", f.FileName, f.FileSize, f.ChunkCount, f.Remotes)
		}
		return nil
	},
}

var deleteCmd = &cli.Command{
	Name:      "delete",
	Usage:     "Delete a file and all its chunks",
	ArgsUsage: "<remote_path>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("usage: delete <remote_path>", exitMisuse)
		}

		p, cleanup, err := newPool(c, false)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := p.Delete(c.Context, c.Args().Get(0)); err != nil {
			if errors.Is(err, pool.ErrNotFound) {
				return err
			}
			// manifest removed but some chunk deletions failed
			fmt.Fprintln(os.Stderr, "warning:", err)
			return cli.Exit("", exitPartial)
		}

		fmt.Printf("Deleted %s\n", c.Args().Get(0))
		return nil
	},
}

var statusCmd = &cli.Command{
	Name:  "status",
	Usage: "Show per-remote space usage",
	Action: func(c *cli.Context) error {
		p, cleanup, err := newPool(c, false)
		if err != nil {
			return err
		}
		defer cleanup()

		statuses, err := p.Status(c.Context, true)
		if err != nil {
			return err
		}

		for _, st := range statuses {
			fmt.Printf("%-20s used: %14d  free: %14d  total: %14d\n", st.Remote, st.Used, st.Free, st.Total)
		}
		return nil
	},
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "Start the WebDAV server",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "host", Usage: "bind address"},
		&cli.IntFlag{Name: "port", Usage: "bind port"},
	},
	Action: func(c *cli.Context) error {
		if host := c.String("host"); host != "" {
			os.Setenv("RCLONEPOOL_WEBDAV_HOST", host)
		}
		if port := c.Int("port"); port != 0 {
			os.Setenv("RCLONEPOOL_WEBDAV_PORT", fmt.Sprint(port))
		}

		p, cleanup, err := newPool(c, true)
		if err != nil {
			return err
		}
		defer cleanup()

		if unreachable := p.CheckRemotes(c.Context); len(unreachable) > 0 {
			log.Warnw("remotes unreachable", "remotes", unreachable)
		}

		cfg := p.Config()
		fmt.Printf("WebDAV server on http://%s:%d\n", cfg.WebDAVHost, cfg.WebDAVPort)
		fmt.Println("Add to rclone.conf:")
		fmt.Println("  [rclonepool]")
		fmt.Println("  type = webdav")
		fmt.Printf("  url = http://localhost:%d\n", cfg.WebDAVPort)
		fmt.Println("  vendor = other")

		ctx, stop := signalContext(c.Context)
		defer stop()

		srv := webdav.NewServer(p, log.Named("webdav"))
		return srv.ListenAndServe(ctx)
	},
}

var verifyCmd = &cli.Command{
	Name:      "verify",
	Usage:     "Check that every chunk referenced by manifests exists",
	ArgsUsage: "[path]",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "full", Usage: "also fetch chunks and compare sizes"},
	},
	Action: func(c *cli.Context) error {
		p, cleanup, err := newPool(c, false)
		if err != nil {
			return err
		}
		defer cleanup()

		mode := pool.VerifyQuick
		if c.Bool("full") {
			mode = pool.VerifyFull
		}

		var results []pool.VerifyResult
		if path := c.Args().Get(0); path != "" {
			r, err := p.Verify(c.Context, path, mode)
			if err != nil {
				return err
			}
			results = append(results, r)
		} else {
			results, err = p.VerifyAll(c.Context, mode)
			if err != nil {
				return err
			}
		}

		failed := 0
		for _, r := range results {
			if r.OK() {
				fmt.Printf("ok       %s (%d chunks)\n", r.FilePath, r.Total)
				continue
			}
			failed++
			fmt.Printf("DAMAGED  %s missing=%v wrong_size=%v\n", r.FilePath, r.Missing, r.WrongSize)
		}

		if failed > 0 {
			return cli.Exit(fmt.Sprintf("%d of %d files damaged", failed, len(results)), exitPartial)
		}
		return nil
	},
}

var repairCmd = &cli.Command{
	Name:      "repair",
	Usage:     "Re-upload missing chunks from a local copy",
	ArgsUsage: "<remote_path> <local_source>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.Exit("usage: repair <remote_path> <local_source>", exitMisuse)
		}

		p, cleanup, err := newPool(c, true)
		if err != nil {
			return err
		}
		defer cleanup()

		repaired, err := p.Repair(c.Context, c.Args().Get(0), c.Args().Get(1))
		if err != nil {
			return err
		}

		fmt.Printf("Repaired %d chunks of %s\n", repaired, c.Args().Get(0))
		return nil
	},
}

var orphansCmd = &cli.Command{
	Name:  "orphans",
	Usage: "Find chunks no manifest references",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "delete", Usage: "delete the orphaned chunks"},
	},
	Action: func(c *cli.Context) error {
		p, cleanup, err := newPool(c, false)
		if err != nil {
			return err
		}
		defer cleanup()

		orphans, err := p.Orphans(c.Context)
		if err != nil {
			return err
		}
		if len(orphans) == 0 {
			fmt.Println("No orphaned chunks.")
			return nil
		}

		for _, o := range orphans {
			fmt.Printf("%s%s\n", o.Remote, o.Path)
		}

		if !c.Bool("delete") {
			fmt.Printf("%d orphaned chunks (re-run with --delete to remove)\n", len(orphans))
			return nil
		}

		deleted, err := p.DeleteOrphans(c.Context, orphans)
		fmt.Printf("Deleted %d/%d orphaned chunks\n", deleted, len(orphans))
		if err != nil {
			return cli.Exit("some deletions failed", exitPartial)
		}
		return nil
	},
}

var rebalanceCmd = &cli.Command{
	Name:  "rebalance",
	Usage: "Even out chunk placement across remotes",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "dry-run", Usage: "plan moves without executing them"},
	},
	Action: func(c *cli.Context) error {
		p, cleanup, err := newPool(c, true)
		if err != nil {
			return err
		}
		defer cleanup()

		report, err := p.Rebalance(c.Context, c.Bool("dry-run"))
		if err != nil {
			return err
		}

		for remote, count := range report.ChunkCounts {
			fmt.Printf("%-20s %d chunks\n", remote, count)
		}

		if len(report.Moves) == 0 {
			fmt.Println("Pool is balanced.")
			return nil
		}

		for _, mv := range report.Moves {
			fmt.Printf("move %s chunk %d: %s -> %s\n", mv.FilePath, mv.ChunkIndex, mv.From, mv.To)
		}

		if c.Bool("dry-run") {
			fmt.Printf("%d moves planned (dry run)\n", len(report.Moves))
			return nil
		}

		fmt.Printf("%d of %d moves executed\n", report.Executed, len(report.Moves))
		if report.Executed < len(report.Moves) {
			return cli.Exit("some migrations failed", exitPartial)
		}
		return nil
	},
}

// Package main is the nbsync CLI: a local progress store for one device,
// with commands to record activity and sync it to a NeuroBreath server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/neurobreath/server/internal/client"
	"github.com/neurobreath/server/internal/guest"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	store, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	switch os.Args[1] {
	case "record":
		err = recordSession(ctx, store, os.Args[2:])
	case "badge":
		err = unlockBadge(ctx, store, os.Args[2:])
	case "assess":
		err = recordAssessment(ctx, store, os.Args[2:])
	case "show":
		err = showProgress(ctx, store)
	case "export":
		err = exportProgress(ctx, store, os.Args[2:])
	case "import":
		err = importProgress(ctx, store, os.Args[2:])
	case "sync":
		err = runSync(ctx, store, os.Args[2:])
	default:
		showUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println("Usage:")
	fmt.Println("  nbsync record -technique <name> -minutes <n> [flags]  - Record a completed session")
	fmt.Println("  nbsync badge -key <key> -name <name> [flags]          - Unlock a badge")
	fmt.Println("  nbsync assess -type <type> [flags]                    - Record an assessment")
	fmt.Println("  nbsync show                                           - Show local progress")
	fmt.Println("  nbsync export [-out <file>]                           - Export progress as JSON")
	fmt.Println("  nbsync import <file>                                  - Import an exported file")
	fmt.Println("  nbsync sync [-guest]                                  - Push progress to the server")
	fmt.Println()
	fmt.Println("Environment variables:")
	fmt.Println("  NBSYNC_STORE   - Path to the local store (default ~/.nbsync/progress.db)")
	fmt.Println("  NBSYNC_SERVER  - Sync server base URL (default http://localhost:8080)")
	fmt.Println("  NBSYNC_TOKEN   - Bearer token, if the server enforces auth")
}

func openStore() (*guest.Store, error) {
	path := os.Getenv("NBSYNC_STORE")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".nbsync", "progress.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return guest.Open(path)
}

func recordSession(ctx context.Context, store *guest.Store, args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	technique := fs.String("technique", "", "technique key (e.g. box, 478)")
	label := fs.String("label", "", "display label")
	minutes := fs.Int("minutes", 0, "duration in minutes")
	breaths := fs.Int("breaths", 0, "breath count")
	rounds := fs.Int("rounds", 1, "round count")
	category := fs.String("category", "", "category (calm, focus, sleep, ...)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *technique == "" || *minutes <= 0 {
		return fmt.Errorf("-technique and a positive -minutes are required")
	}

	id, err := store.AddSession(ctx, *technique, *label, *minutes, *breaths, *rounds, *category)
	if err != nil {
		return err
	}
	fmt.Printf("Recorded session %s (%s, %d min)\n", id, *technique, *minutes)
	return nil
}

func unlockBadge(ctx context.Context, store *guest.Store, args []string) error {
	fs := flag.NewFlagSet("badge", flag.ExitOnError)
	key := fs.String("key", "", "badge key")
	name := fs.String("name", "", "display name")
	icon := fs.String("icon", "", "icon reference")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return fmt.Errorf("-key is required")
	}

	unlocked, err := store.UnlockBadge(ctx, *key, *name, *icon)
	if err != nil {
		return err
	}
	if unlocked {
		fmt.Printf("Unlocked badge %s\n", *key)
	} else {
		fmt.Printf("Badge %s already unlocked\n", *key)
	}
	return nil
}

func recordAssessment(ctx context.Context, store *guest.Store, args []string) error {
	fs := flag.NewFlagSet("assess", flag.ExitOnError)
	assessType := fs.String("type", "", "assessment type (e.g. fullCheckIn, orf)")
	level := fs.String("level", "", "placement level")
	confidence := fs.String("confidence", "", "placement confidence")
	profile := fs.String("profile", "", "reading profile JSON")
	started := fs.String("started", "", "start timestamp (RFC 3339, default now)")
	ended := fs.String("ended", "", "end timestamp (RFC 3339, empty if unfinished)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *assessType == "" {
		return fmt.Errorf("-type is required")
	}

	id, err := store.AddAssessment(ctx, *assessType, *level, *confidence, *profile, *started, *ended)
	if err != nil {
		return err
	}
	fmt.Printf("Recorded assessment %s (%s)\n", id, *assessType)
	return nil
}

func showProgress(ctx context.Context, store *guest.Store) error {
	data, err := store.Snapshot(ctx)
	if err != nil {
		return err
	}
	p := data.Progress
	fmt.Printf("Device:          %s\n", p.DeviceID)
	fmt.Printf("Total sessions:  %d\n", p.TotalSessions)
	fmt.Printf("Total minutes:   %d\n", p.TotalMinutes)
	fmt.Printf("Total breaths:   %d\n", p.TotalBreaths)
	fmt.Printf("Current streak:  %d\n", p.CurrentStreak)
	fmt.Printf("Longest streak:  %d\n", p.LongestStreak)
	if p.LastSessionDate != "" {
		fmt.Printf("Last session:    %s\n", p.LastSessionDate)
	}
	fmt.Printf("Badges:          %d\n", len(data.Badges))
	fmt.Printf("Assessments:     %d\n", len(data.Assessments))
	return nil
}

func exportProgress(ctx context.Context, store *guest.Store, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("out", "", "output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	raw, err := store.ExportJSON(ctx)
	if err != nil {
		return err
	}
	if *out == "" {
		fmt.Println(string(raw))
		return nil
	}
	if err := os.WriteFile(*out, raw, 0o600); err != nil {
		return err
	}
	fmt.Printf("Exported progress to %s\n", *out)
	return nil
}

func importProgress(ctx context.Context, store *guest.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: nbsync import <file>")
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	if err := store.ImportJSON(ctx, raw); err != nil {
		return err
	}
	fmt.Println("Import complete")
	return nil
}

func runSync(ctx context.Context, store *guest.Store, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	isGuest := fs.Bool("guest", false, "guest mode: the server echoes data back without persisting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	server := os.Getenv("NBSYNC_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}

	deviceID, err := store.DeviceID(ctx)
	if err != nil {
		return err
	}
	data, err := store.Snapshot(ctx)
	if err != nil {
		return err
	}

	c := client.New(server, os.Getenv("NBSYNC_TOKEN"))
	resp, err := c.Sync(ctx, deviceID, *isGuest, data)
	if err != nil {
		return err
	}

	if resp.Guest {
		fmt.Println("Guest sync: nothing persisted on the server")
		return nil
	}

	// Fold the server's canonical view back into the local store.
	if err := store.ApplyMerged(ctx, &resp.Merged); err != nil {
		return fmt.Errorf("apply merged state: %w", err)
	}

	info := resp.SyncInfo
	fmt.Printf("Synced: +%d sessions, %d updated, +%d badges, +%d assessments\n",
		info.SessionsAdded, info.SessionsUpdated, info.BadgesAdded, info.AssessmentsAdded)
	if info.ConflictsResolved > 0 {
		fmt.Printf("Resolved %d conflict(s):\n", info.ConflictsResolved)
		for _, c := range resp.Conflicts {
			fmt.Printf("  %s %s: %s\n", c.Type, c.EntityID, c.Resolution)
		}
	}
	return nil
}

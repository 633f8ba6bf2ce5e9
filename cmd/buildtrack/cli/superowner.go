package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/buildtrack/buildtrack/internal/superowner"
)

// OwnerSaver persists a super owner.
type OwnerSaver interface {
	Save(ctx context.Context, o superowner.SuperOwner) (superowner.SuperOwner, error)
}

// SeedOptions defines the flags of the seed-superowner command.
type SeedOptions struct {
	UserID       int64
	Primary      bool
	Level        string
	Capabilities []string
	Companies    []int64
	JSONOutput   bool
	Stdout       io.Writer
	Stderr       io.Writer
}

// ParseSeedArgs parses `seed-superowner` flags.
func ParseSeedArgs(args []string, stderr io.Writer) (SeedOptions, error) {
	var (
		opts      SeedOptions
		caps      string
		companies string
	)
	fs := flag.NewFlagSet("seed-superowner", flag.ContinueOnError)
	if stderr != nil {
		fs.SetOutput(stderr)
	}
	fs.Int64Var(&opts.UserID, "user", 0, "user id to promote")
	fs.BoolVar(&opts.Primary, "primary", false, "make this the primary owner")
	fs.StringVar(&opts.Level, "level", string(superowner.LevelReadOnly), "delegation level")
	fs.StringVar(&caps, "caps", "", "comma separated capabilities")
	fs.StringVar(&companies, "companies", "", "comma separated company ids the owner may manage")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print the saved owner as JSON")
	if err := fs.Parse(args); err != nil {
		return SeedOptions{}, err
	}
	for _, c := range strings.Split(caps, ",") {
		if c = strings.TrimSpace(c); c != "" {
			opts.Capabilities = append(opts.Capabilities, c)
		}
	}
	for _, raw := range strings.Split(companies, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return SeedOptions{}, fmt.Errorf("invalid company id %q", raw)
		}
		opts.Companies = append(opts.Companies, id)
	}
	return opts, nil
}

// SeedCommand saves the super owner described by opts and returns the exit code.
func SeedCommand(ctx context.Context, owners OwnerSaver, opts SeedOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.UserID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "seed-superowner: -user is required and must be positive")
		return 1
	}
	o := superowner.SuperOwner{
		UserID:           opts.UserID,
		IsPrimaryOwner:   opts.Primary,
		DelegationLevel:  superowner.DelegationLevel(opts.Level),
		AllowedCompanies: opts.Companies,
		IsActive:         true,
	}
	known := map[superowner.Capability]bool{}
	for _, c := range superowner.AllCapabilities() {
		known[c] = true
	}
	for _, name := range opts.Capabilities {
		c := superowner.Capability(name)
		if !known[c] {
			_, _ = fmt.Fprintf(opts.Stderr, "seed-superowner: unknown capability %q\n", name)
			return 1
		}
		o.Grant(c)
	}
	saved, err := owners.Save(ctx, o)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "seed-superowner: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(saved); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "seed-superowner: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	caps := make([]string, 0, len(saved.Capabilities()))
	for _, c := range saved.Capabilities() {
		caps = append(caps, string(c))
	}
	_, _ = fmt.Fprintf(opts.Stdout, "super owner %d saved for user %d (level %s, primary %t)\n",
		saved.ID, saved.UserID, saved.DelegationLevel, saved.IsPrimaryOwner)
	if len(caps) > 0 {
		_, _ = fmt.Fprintf(opts.Stdout, "capabilities: %s\n", strings.Join(caps, ", "))
	}
	return 0
}

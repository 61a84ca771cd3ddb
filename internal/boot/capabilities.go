package boot

import (
	"context"
	"os/exec"

	"golang.org/x/sync/errgroup"
)

// candidateUtilities are checked for presence on PATH when assembling
// the installed-utilities capability line. Not exhaustive — just the
// externally-invoked tools the engine's surrounding tooling expects.
var candidateUtilities = []string{"git", "gh", "jq", "rg"}

// Capabilities is the detected environment state surfaced in the
// # CAPABILITIES boot section (spec §4.8).
type Capabilities struct {
	Offline           bool
	OfflineReason     string
	GitHubAccess      bool
	InstalledUtilities []string
}

// detectCapabilities runs the GitHub-access probe and the installed-
// utilities scan concurrently (errgroup), since neither depends on the
// other and both shell out to external processes.
func detectCapabilities(ctx context.Context) Capabilities {
	var caps Capabilities
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		caps.GitHubAccess = probeGitHubAccess(ctx)
		return nil
	})
	g.Go(func() error {
		caps.InstalledUtilities = scanInstalledUtilities()
		return nil
	})
	_ = g.Wait() // both probes are best-effort and never return an error

	return caps
}

// probeGitHubAccess reports whether the gh CLI is present and
// authenticated. A missing binary or failed auth check both report false
// — the boot document only distinguishes "can reach GitHub" from "can't",
// not why.
func probeGitHubAccess(ctx context.Context) bool {
	if _, err := exec.LookPath("gh"); err != nil {
		return false
	}
	cmd := exec.CommandContext(ctx, "gh", "auth", "status")
	return cmd.Run() == nil
}

func scanInstalledUtilities() []string {
	var found []string
	for _, name := range candidateUtilities {
		if _, err := exec.LookPath(name); err == nil {
			found = append(found, name)
		}
	}
	return found
}

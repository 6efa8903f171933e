package builtin

import (
	"context"

	"go.uber.org/zap"

	"github.com/hama-jp/open-harness/internal/config"
	"github.com/hama-jp/open-harness/internal/tools"
)

// Register adds every built-in tool of spec §4.5.1 to reg, rooting
// file/shell/git tools at projectRoot. External agents are probed for
// availability first; only the ones that respond get registered (spec
// §4.5.5). Returns the ExternalAgents manager so callers can inspect
// which agents ended up available.
func Register(ctx context.Context, reg *tools.Registry, cfg config.Config, projectRoot string, log *zap.Logger) (*ExternalAgents, error) {
	builtins := []*tools.Tool{
		{Descriptor: readFileDescriptor, Execute: ReadFile},
		{Descriptor: writeFileDescriptor, Execute: WriteFile},
		{Descriptor: editFileDescriptor, Execute: EditFile},
		{Descriptor: listDirDescriptor, Execute: ListDir},
		{Descriptor: searchFilesDescriptor, Execute: SearchFiles},
		{Descriptor: shellDescriptor, Execute: NewShell(cfg.ShellTimeout)},
		{Descriptor: gitStatusDescriptor, Execute: NewGitStatus(projectRoot)},
		{Descriptor: gitDiffDescriptor, Execute: NewGitDiff(projectRoot)},
		{Descriptor: gitCommitDescriptor, Execute: NewGitCommit(projectRoot)},
		{Descriptor: gitBranchDescriptor, Execute: NewGitBranch(projectRoot)},
		{Descriptor: gitLogDescriptor, Execute: NewGitLog(projectRoot)},
		{Descriptor: runTestsDescriptor, Execute: NewRunTests(cfg.TestCommand, cfg.RunTestsTimeout)},
	}
	for _, t := range builtins {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}

	agents := NewExternalAgents(cfg.ExternalTimeout, log)
	agents.Probe(ctx)
	for _, name := range agents.Available() {
		t := &tools.Tool{
			Descriptor: externalAgentDescriptor(name),
			Execute:    NewExternalAgentTool(agents, name),
		}
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}

	return agents, nil
}

package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/knowledgeforge/ragsync/internal/project"
	"github.com/knowledgeforge/ragsync/internal/ragsync"
)

// buildEngine assembles an engine from the project file. The returned
// cleanup closes the state backend and must run after the engine is done.
func buildEngine(opts *rootOptions, in io.Reader, out io.Writer) (*ragsync.Engine, *project.Project, func() error, error) {
	proj, err := project.Load(opts.projectFile)
	if err != nil {
		return nil, nil, nil, err
	}
	sources, sinks, err := proj.Instances()
	if err != nil {
		return nil, nil, nil, err
	}
	backend, err := ragsync.BuildStateBackendFromDSN(proj.StateDSN())
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() error { return ragsync.CloseStateBackend(backend) }

	store, err := ragsync.OpenCredentialStore(proj.CredentialsPath())
	if err != nil {
		_ = cleanup()
		return nil, nil, nil, err
	}

	engine, err := ragsync.NewEngine(ragsync.EngineOptions{
		Sources:           sources,
		Sinks:             sinks,
		StateBackend:      backend,
		Credentials:       store,
		ResolveCredential: promptCredential(in, out),
		PromptPermission:  promptPermission(in, out),
	})
	if err != nil {
		_ = cleanup()
		return nil, nil, nil, err
	}
	return engine, proj, cleanup, nil
}

// promptCredential asks the operator for a secret on the terminal. Secrets
// arrive once; the credential store keeps them for later runs.
func promptCredential(in io.Reader, out io.Writer) ragsync.CredentialResolver {
	reader := bufio.NewReader(in)
	return func(_ context.Context, name, instructions string) (string, error) {
		if instructions != "" {
			fmt.Fprintf(out, "%s\n", instructions)
		}
		fmt.Fprintf(out, "enter credential %q: ", name)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read credential %s: %w", name, err)
		}
		return strings.TrimSpace(line), nil
	}
}

// promptPermission asks before an unofficial plugin may read a stored
// credential. Anything other than an explicit yes is a denial.
func promptPermission(in io.Reader, out io.Writer) ragsync.PermissionPrompt {
	reader := bufio.NewReader(in)
	return func(_ context.Context, pluginIdentity, credentialName string) (bool, error) {
		fmt.Fprintf(out, "unofficial plugin %q requests credential %q. allow? [y/N]: ", pluginIdentity, credentialName)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return false, err
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	}
}

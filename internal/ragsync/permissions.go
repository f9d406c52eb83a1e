package ragsync

import (
	"context"
	"fmt"
	"sort"
)

// grantCredentials computes the credential subset handed to one instance at
// initialization. Vetted instances implicitly receive everything they
// declare. For unofficial instances, every declared name missing from the
// plugin's allow-list must be resolved first: granted names are appended to
// the ledger, a denial drops the instance from the run (ErrDenied). Only the
// intersection of declared needs, entitled names, and stored secrets is ever
// returned — never the full credential set.
func grantCredentials(
	ctx context.Context,
	state *TrackingState,
	store *CredentialStore,
	ref InstanceRef,
	needs map[string]string,
	prompt PermissionPrompt,
) (map[string]string, error) {
	names := make([]string, 0, len(needs))
	for name := range needs {
		names = append(names, name)
	}
	sort.Strings(names)

	if ref.Unofficial {
		for _, name := range names {
			if state.Entitled(ref.Identity, name) {
				continue
			}
			if prompt == nil {
				return nil, fmt.Errorf("%w: credential %q for unofficial plugin %q", ErrDenied, name, ref.Identity)
			}
			granted, err := prompt(ctx, ref.Identity, name)
			if err != nil {
				return nil, err
			}
			if !granted {
				return nil, fmt.Errorf("%w: credential %q for unofficial plugin %q", ErrDenied, name, ref.Identity)
			}
			state.Grant(ref.Identity, name)
		}
	}

	granted := map[string]string{}
	for _, name := range names {
		if ref.Unofficial && !state.Entitled(ref.Identity, name) {
			continue
		}
		if secret, ok := store.Get(name); ok {
			granted[name] = secret
		}
	}
	return granted, nil
}

//go:build !(linux && amd64)

package debugger

import "context"

func (p *Ptrace) Spawn(ctx context.Context, cfg SpawnConfig) (Thread, error) {
	return nil, ErrUnsupported
}

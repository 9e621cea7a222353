package server

import (
	"context"
	"fmt"

	"github.com/culpritdev/culprit/pkg/culprit"
	"github.com/dchest/uniuri"
)

type ServerType int

const (
	HTTP ServerType = iota
)

// A candidate is one checked-out commit awaiting an external verdict.
type candidate struct {
	id     string
	commit string
	dir    string

	verdict chan culprit.Verdict
}

// InteractiveOracle implements [culprit.Oracle] by handing each candidate
// commit to an external tester through a server and blocking until a
// verdict is posted back. The engine stays fully synchronous; only the
// judgment moves out of process.
type InteractiveOracle struct {
	pending chan *candidate
}

func NewInteractiveOracle() *InteractiveOracle {
	return &InteractiveOracle{pending: make(chan *candidate)}
}

func (o *InteractiveOracle) Evaluate(ctx context.Context, ref string, repo culprit.Repository) (culprit.Verdict, error) {
	c := &candidate{
		id:     uniuri.New(),
		commit: ref,
		dir:    repo.Root(),

		verdict: make(chan culprit.Verdict, 1),
	}

	select {
	case o.pending <- c:
	case <-ctx.Done():
		return culprit.VerdictInconclusive, ctx.Err()
	}

	select {
	case v := <-c.verdict:
		return v, nil
	case <-ctx.Done():
		return culprit.VerdictInconclusive, ctx.Err()
	}
}

type Server interface {
	Init(int, *InteractiveOracle) error
}

// NewServer starts a server of the given type that exposes the oracle's
// candidates and accepts verdicts for them.
func NewServer(serverType ServerType, port int, oracle *InteractiveOracle) (Server, error) {
	switch serverType {
	case HTTP:
		server := &httpServer{}
		return server, server.Init(port, oracle)
	}
	return nil, fmt.Errorf("%d is not a valid server type", serverType)
}

package auction

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/ybbus/jsonrpc/v3"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidSolver   = errors.New("invalid solver specification")
	ErrNoSolution      = errors.New("solver returned no solution")
	ErrMalformedSolver = errors.New("solver returned malformed solution")
)

// SolverBackend is a synchronous request/response adapter to one external
// solving agent. Solvers are opaque and untrusted; the caller enforces the
// timeout through the context regardless of what the solver declares.
type SolverBackend interface {
	ID() string
	Solve(ctx context.Context, req *SolveRequest) (*Solution, error)
}

type JSONRPCSolverBackend struct {
	name   string
	client jsonrpc.RPCClient
}

func NewJSONRPCSolverBackend(name, url string) *JSONRPCSolverBackend {
	return &JSONRPCSolverBackend{
		name:   name,
		client: jsonrpc.NewClient(url),
	}
}

func (b *JSONRPCSolverBackend) ID() string {
	return b.name
}

func (b *JSONRPCSolverBackend) Solve(ctx context.Context, req *SolveRequest) (*Solution, error) {
	var resp SolveResponse
	err := b.client.CallFor(ctx, &resp, SolveEndpointName, req)
	if err != nil {
		return nil, err
	}
	if resp.Solution == nil {
		return nil, ErrNoSolution
	}
	return resp.Solution, nil
}

// SolversConfig is the yaml file describing the configured solver set.
type SolversConfig struct {
	Solvers []struct {
		Name     string `yaml:"name"`
		URL      string `yaml:"url"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"solvers"`
	// SafetyMarginMS is subtracted from the auction deadline to leave room
	// for encoding and submission.
	SafetyMarginMS int `yaml:"safetyMarginMs"`
}

// LoadSolversConfig parses the solver set from a yaml file.
func LoadSolversConfig(file string) ([]SolverBackend, time.Duration, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, 0, err
	}

	var config SolversConfig
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, 0, err
	}

	seen := make(map[string]struct{})
	solvers := make([]SolverBackend, 0, len(config.Solvers))
	for _, solver := range config.Solvers {
		if solver.Disabled {
			continue
		}
		if solver.Name == "" || solver.URL == "" {
			return nil, 0, ErrInvalidSolver
		}
		if _, ok := seen[solver.Name]; ok {
			return nil, 0, ErrInvalidSolver
		}
		seen[solver.Name] = struct{}{}
		solvers = append(solvers, NewJSONRPCSolverBackend(solver.Name, solver.URL))
	}

	margin := time.Duration(config.SafetyMarginMS) * time.Millisecond
	return solvers, margin, nil
}

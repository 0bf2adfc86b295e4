package provider

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfleet/log"
)

func TestMain(m *testing.M) {
	log.Initialize(false)
	code := m.Run()
	log.Close()
	os.Exit(code)
}

// scriptedCandidate returns a candidate whose invocations are driven by a
// mutable failure flag and recorded in calls.
func scriptedCandidate(name string, capacity int, failing *bool, calls *[]string) Candidate {
	return Candidate{
		Name:           name,
		MaxInputTokens: capacity,
		Credential:     "key-" + name,
		Invoke: func(ctx context.Context, req interface{}) (interface{}, error) {
			*calls = append(*calls, name)
			if failing != nil && *failing {
				return nil, errors.New(name + " unavailable")
			}
			return "result from " + name, nil
		},
	}
}

func TestRotationFailover(t *testing.T) {
	var calls []string
	failA, failB := true, true
	discover := func() []Candidate {
		return []Candidate{
			scriptedCandidate("alpha", 1000, &failA, &calls),
			scriptedCandidate("beta", 2000, &failB, &calls),
			scriptedCandidate("gamma", 4000, nil, &calls),
		}
	}
	s := NewSelector(discover, "")

	result, err := s.SelectAndInvoke(context.Background(), "req", 0, false)
	require.NoError(t, err)
	assert.Equal(t, "result from gamma", result)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, calls)
	assert.Equal(t, []string{"alpha", "beta"}, s.Failed())

	// A subsequent independent call attempts the smallest candidate again;
	// its success clears its failed state.
	failA = false
	calls = nil
	result, err = s.SelectAndInvoke(context.Background(), "req", 0, false)
	require.NoError(t, err)
	assert.Equal(t, "result from alpha", result)
	assert.Equal(t, []string{"beta"}, s.Failed())
}

func TestExhaustionResetsFailedSet(t *testing.T) {
	var calls []string
	failing := true
	discover := func() []Candidate {
		return []Candidate{
			scriptedCandidate("alpha", 1000, &failing, &calls),
			scriptedCandidate("beta", 2000, &failing, &calls),
		}
	}
	s := NewSelector(discover, "")

	_, err := s.SelectAndInvoke(context.Background(), "req", 0, false)
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Empty(t, s.Failed())

	// After the reset a recovered candidate serves the next request.
	failing = false
	result, err := s.SelectAndInvoke(context.Background(), "req", 0, false)
	require.NoError(t, err)
	assert.Equal(t, "result from alpha", result)
}

func TestCapacityFilter(t *testing.T) {
	var calls []string
	discover := func() []Candidate {
		return []Candidate{
			scriptedCandidate("small", 1000, nil, &calls),
			scriptedCandidate("large", 8000, nil, &calls),
		}
	}
	s := NewSelector(discover, "")

	result, err := s.SelectAndInvoke(context.Background(), "req", 4000, false)
	require.NoError(t, err)
	assert.Equal(t, "result from large", result)
	assert.Equal(t, []string{"large"}, calls)
}

func TestNoCapacity(t *testing.T) {
	var calls []string
	discover := func() []Candidate {
		return []Candidate{scriptedCandidate("small", 1000, nil, &calls)}
	}
	s := NewSelector(discover, "")

	_, err := s.SelectAndInvoke(context.Background(), "req", 9000, false)
	assert.ErrorIs(t, err, ErrNoCapacity)
	assert.Empty(t, calls)
}

func TestPrefersSmallestAdequate(t *testing.T) {
	var calls []string
	discover := func() []Candidate {
		return []Candidate{
			scriptedCandidate("large", 8000, nil, &calls),
			scriptedCandidate("small", 2000, nil, &calls),
		}
	}
	s := NewSelector(discover, "")

	result, err := s.SelectAndInvoke(context.Background(), "req", 1500, false)
	require.NoError(t, err)
	assert.Equal(t, "result from small", result)
}

func TestPreferBest(t *testing.T) {
	var calls []string
	discover := func() []Candidate {
		return []Candidate{
			scriptedCandidate("small", 2000, nil, &calls),
			scriptedCandidate("flagship", 8000, nil, &calls),
		}
	}
	s := NewSelector(discover, "flagship")

	result, err := s.SelectAndInvoke(context.Background(), "req", 0, true)
	require.NoError(t, err)
	assert.Equal(t, "result from flagship", result)
}

func TestPreferBestSkippedWhenFailed(t *testing.T) {
	var calls []string
	failBest := true
	discover := func() []Candidate {
		return []Candidate{
			scriptedCandidate("small", 2000, nil, &calls),
			scriptedCandidate("flagship", 8000, &failBest, &calls),
		}
	}
	s := NewSelector(discover, "flagship")

	// First call: flagship fails, rotation lands on small.
	result, err := s.SelectAndInvoke(context.Background(), "req", 0, true)
	require.NoError(t, err)
	assert.Equal(t, "result from small", result)

	// Second call: flagship is in the failed set, so preferBest falls
	// through to the smallest candidate without touching flagship.
	calls = nil
	result, err = s.SelectAndInvoke(context.Background(), "req", 0, true)
	require.NoError(t, err)
	assert.Equal(t, "result from small", result)
	assert.Equal(t, []string{"small"}, calls)
}

func TestExclusionsAndMissingCredentials(t *testing.T) {
	var calls []string
	noCred := Candidate{Name: "broken", MaxInputTokens: 9000, Credential: ""}
	discover := func() []Candidate {
		return []Candidate{
			noCred,
			scriptedCandidate("alpha", 1000, nil, &calls),
			scriptedCandidate("beta", 2000, nil, &calls),
		}
	}
	s := NewSelector(discover, "")

	result, err := s.SelectAndInvoke(context.Background(), "req", 0, false, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "result from beta", result)
}

func TestNoCandidates(t *testing.T) {
	s := NewSelector(func() []Candidate { return nil }, "")

	_, err := s.SelectAndInvoke(context.Background(), "req", 0, false)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

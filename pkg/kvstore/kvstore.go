// Package kvstore is the Redis-backed state store of the post-boot pipeline.
// Each VM under provisioning owns one hash keyed by its OpenStack ID holding
// the generated private key, the keypair name and the pipeline status, plus an
// optional pb_logs_<id> hash with the final playbook outcome.
package kvstore

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/deNBI/simplevm-client/pkg/api"
)

const (
	fieldKey    = "key"
	fieldName   = "name"
	fieldStatus = "status"

	fieldReturnCode = "returncode"
	fieldStdout     = "stdout"
	fieldStderr     = "stderr"
)

// Record is the per-VM pipeline entry.
type Record struct {
	PrivateKey  string
	KeypairName string
	Status      string
}

// Store wraps the Redis connection used for pipeline state.
type Store struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, host string, port int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", host, port),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s:%d: %w", host, port, err)
	}
	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client; tests hand in a miniredis-backed one.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.client.Close() }

// Put writes the full record for a VM, replacing any previous state.
func (s *Store) Put(ctx context.Context, vmID string, rec Record) error {
	err := s.client.HSet(ctx, vmID,
		fieldKey, rec.PrivateKey,
		fieldName, rec.KeypairName,
		fieldStatus, rec.Status,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to store record for %s: %w", vmID, err)
	}
	return nil
}

// SetStatus updates only the pipeline status of an existing record.
func (s *Store) SetStatus(ctx context.Context, vmID, status string) error {
	if err := s.client.HSet(ctx, vmID, fieldStatus, status).Err(); err != nil {
		return fmt.Errorf("failed to set status for %s: %w", vmID, err)
	}
	return nil
}

// GetStatus returns the pipeline status, or "" when the VM has no record.
func (s *Store) GetStatus(ctx context.Context, vmID string) (string, error) {
	status, err := s.client.HGet(ctx, vmID, fieldStatus).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read status for %s: %w", vmID, err)
	}
	return status, nil
}

// Get returns the full record for a VM. exists is false when no record is
// stored.
func (s *Store) Get(ctx context.Context, vmID string) (Record, bool, error) {
	fields, err := s.client.HGetAll(ctx, vmID).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read record for %s: %w", vmID, err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}
	return Record{
		PrivateKey:  fields[fieldKey],
		KeypairName: fields[fieldName],
		Status:      fields[fieldStatus],
	}, true, nil
}

// Exists reports whether a pipeline record is stored for the VM.
func (s *Store) Exists(ctx context.Context, vmID string) (bool, error) {
	n, err := s.client.Exists(ctx, vmID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check record for %s: %w", vmID, err)
	}
	return n > 0, nil
}

// CountInStates returns how many pipeline records sit in one of the given
// states. Log stashes are skipped; they carry no status field.
func (s *Store) CountInStates(ctx context.Context, states ...string) (int, error) {
	count := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "*", 100).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan pipeline records: %w", err)
		}
		for _, key := range keys {
			if strings.HasPrefix(key, logsKeyPrefix) {
				continue
			}
			status, err := s.client.HGet(ctx, key, fieldStatus).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return 0, fmt.Errorf("failed to read status for %s: %w", key, err)
			}
			if slices.Contains(states, status) {
				count++
			}
		}
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// Delete removes the pipeline record of a VM.
func (s *Store) Delete(ctx context.Context, vmID string) error {
	if err := s.client.Del(ctx, vmID).Err(); err != nil {
		return fmt.Errorf("failed to delete record for %s: %w", vmID, err)
	}
	return nil
}

// StashLogs persists the final playbook outcome under pb_logs_<id> so it
// survives the teardown of the playbook scratch directory.
func (s *Store) StashLogs(ctx context.Context, vmID string, result api.PlaybookResult) error {
	err := s.client.HSet(ctx, logsKey(vmID),
		fieldReturnCode, strconv.Itoa(result.Status),
		fieldStdout, result.Stdout,
		fieldStderr, result.Stderr,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to stash playbook logs for %s: %w", vmID, err)
	}
	return nil
}

// GetLogs returns the stashed playbook outcome. found is false when the VM
// never finished a playbook run.
func (s *Store) GetLogs(ctx context.Context, vmID string) (api.PlaybookResult, bool, error) {
	fields, err := s.client.HGetAll(ctx, logsKey(vmID)).Result()
	if err != nil {
		return api.PlaybookResult{}, false, fmt.Errorf("failed to read playbook logs for %s: %w", vmID, err)
	}
	if len(fields) == 0 {
		return api.PlaybookResult{}, false, nil
	}
	status, err := strconv.Atoi(fields[fieldReturnCode])
	if err != nil {
		return api.PlaybookResult{}, false, fmt.Errorf("corrupt returncode for %s: %w", vmID, err)
	}
	return api.PlaybookResult{
		Status: status,
		Stdout: fields[fieldStdout],
		Stderr: fields[fieldStderr],
	}, true, nil
}

// DeleteLogs removes the stashed playbook outcome of a VM.
func (s *Store) DeleteLogs(ctx context.Context, vmID string) error {
	if err := s.client.Del(ctx, logsKey(vmID)).Err(); err != nil {
		return fmt.Errorf("failed to delete playbook logs for %s: %w", vmID, err)
	}
	return nil
}

const logsKeyPrefix = "pb_logs_"

func logsKey(vmID string) string { return logsKeyPrefix + vmID }

package otp

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is the stored state of one ticket. The code itself is never
// stored, only its hash.
type Record struct {
	TicketID  string
	Phone     string
	CodeHash  string
	Attempts  int
	ExpiresAt time.Time
}

// Store keeps ticket records.
type Store interface {
	// Issue saves rec as the latest ticket for its phone and drops the
	// previous one.
	Issue(ctx context.Context, rec Record, ttl time.Duration) error
	// Lookup returns the record for ticket only while it is the latest
	// ticket for its phone.
	Lookup(ctx context.Context, ticket string) (Record, bool, error)
	// Fail counts a wrong code and returns the new attempt count.
	Fail(ctx context.Context, ticket string) (int, error)
	// Burn removes a ticket. Burning an unknown ticket is not an error.
	Burn(ctx context.Context, ticket string) error
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store. Suitable for tests and single-instance
// deployments.
type MemoryStore struct {
	mu      sync.Mutex
	tickets map[string]*memTicket
	latest  map[string]string
	now     func() time.Time
}

type memTicket struct {
	rec     Record
	evictAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets: make(map[string]*memTicket),
		latest:  make(map[string]string),
		now:     time.Now,
	}
}

// Issue records rec and supersedes the phone's previous ticket.
func (s *MemoryStore) Issue(_ context.Context, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.latest[rec.Phone]; ok {
		delete(s.tickets, prev)
	}
	s.pruneLocked()
	s.tickets[rec.TicketID] = &memTicket{rec: rec, evictAt: s.now().Add(ttl)}
	s.latest[rec.Phone] = rec.TicketID
	return nil
}

// Lookup returns the ticket if it is current.
func (s *MemoryStore) Lookup(_ context.Context, ticket string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticket]
	if !ok || s.latest[t.rec.Phone] != ticket {
		return Record{}, false, nil
	}
	return t.rec, true, nil
}

// Fail increments the attempt counter.
func (s *MemoryStore) Fail(_ context.Context, ticket string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticket]
	if !ok {
		return 0, nil
	}
	t.rec.Attempts++
	return t.rec.Attempts, nil
}

// Burn deletes the ticket.
func (s *MemoryStore) Burn(_ context.Context, ticket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tickets[ticket]; ok {
		if s.latest[t.rec.Phone] == ticket {
			delete(s.latest, t.rec.Phone)
		}
		delete(s.tickets, ticket)
	}
	return nil
}

// Len returns the number of live tickets. For testing.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}

// pruneLocked evicts tickets whose TTL has passed. Callers hold mu.
func (s *MemoryStore) pruneLocked() {
	now := s.now()
	for id, t := range s.tickets {
		if now.After(t.evictAt) {
			if s.latest[t.rec.Phone] == id {
				delete(s.latest, t.rec.Phone)
			}
			delete(s.tickets, id)
		}
	}
}

// --- RedisStore ---

// RedisStore keeps tickets in Redis. Keys are "otp:ticket:{id}" (a hash)
// and "otp:phone:{phone}" (the latest ticket ID); both expire with the
// ticket.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func ticketKey(id string) string { return "otp:ticket:" + id }
func phoneKey(phone string) string { return "otp:phone:" + phone }

// Issue stores rec and points the phone at it, deleting the previous ticket.
func (s *RedisStore) Issue(ctx context.Context, rec Record, ttl time.Duration) error {
	prev, err := s.client.Get(ctx, phoneKey(rec.Phone)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis get %q: %w", phoneKey(rec.Phone), err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != "" {
			pipe.Del(ctx, ticketKey(prev))
		}
		key := ticketKey(rec.TicketID)
		pipe.HSet(ctx, key,
			"phone", rec.Phone,
			"hash", rec.CodeHash,
			"attempts", 0,
			"expires_at", rec.ExpiresAt.UnixMilli(),
		)
		pipe.Expire(ctx, key, ttl)
		pipe.Set(ctx, phoneKey(rec.Phone), rec.TicketID, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis issue ticket: %w", err)
	}
	return nil
}

// Lookup loads the ticket hash and checks it is still the phone's latest.
func (s *RedisStore) Lookup(ctx context.Context, ticket string) (Record, bool, error) {
	fields, err := s.client.HGetAll(ctx, ticketKey(ticket)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("redis hgetall %q: %w", ticketKey(ticket), err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}

	rec := Record{TicketID: ticket, Phone: fields["phone"], CodeHash: fields["hash"]}
	rec.Attempts, _ = strconv.Atoi(fields["attempts"])
	if ms, err := strconv.ParseInt(fields["expires_at"], 10, 64); err == nil {
		rec.ExpiresAt = time.UnixMilli(ms).UTC()
	}

	latest, err := s.client.Get(ctx, phoneKey(rec.Phone)).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis get %q: %w", phoneKey(rec.Phone), err)
	}
	if latest != ticket {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// failScript increments attempts only on a live ticket, so a ticket burned
// between Lookup and Fail is not recreated without a TTL.
var failScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
return redis.call("HINCRBY", KEYS[1], "attempts", 1)
`)

// Fail increments the attempt counter. A ticket that no longer exists
// reports 0 attempts.
func (s *RedisStore) Fail(ctx context.Context, ticket string) (int, error) {
	n, err := failScript.Run(ctx, s.client, []string{ticketKey(ticket)}).Int()
	if err != nil {
		return 0, fmt.Errorf("redis fail %q: %w", ticketKey(ticket), err)
	}
	return n, nil
}

// Burn deletes the ticket hash. A phone key left pointing at it resolves to
// nothing and expires on its own.
func (s *RedisStore) Burn(ctx context.Context, ticket string) error {
	if err := s.client.Del(ctx, ticketKey(ticket)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", ticketKey(ticket), err)
	}
	return nil
}

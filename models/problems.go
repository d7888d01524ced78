// relaybot/models/problems.go
package models

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	mrand "math/rand"
	"os"
	"regexp"
	"strconv"

	"relaybot/utils"

	"github.com/google/uuid"
)

// ProblemMessages is the user-facing copy bundled with a problem set.
type ProblemMessages struct {
	Welcome       string `json:"welcome_msg"`
	TryAgain      string `json:"try_again"`
	MaxRetryError string `json:"max_retry_error"`
	RetryLocked   string `json:"retry_locked"`
	Success       string `json:"success_msg"`
	JoinGroup     string `json:"join_group_msg"`
}

// SampleProblem is an optional worked example shown before the real question.
type SampleProblem struct {
	Q string `json:"Q"`
	A string `json:"A"`
}

// ConfirmPrompt configures the optional click-to-continue step between passing
// the quiz and receiving the link.
type ConfirmPrompt struct {
	Enable     bool   `json:"enable"`
	Text       string `json:"text"`
	ButtonText string `json:"button_text"`
}

// problemFile is the on-disk JSON problem definition.
type problemFile struct {
	Version    int    `json:"version"`
	MaxRetry   int    `json:"max_retry"`
	StripChars string `json:"strip_chars"`
	TicketLink string `json:"ticket_link"`
	ProblemMessages
	Confirm  *ConfirmPrompt `json:"confirm"`
	Sample   *SampleProblem `json:"sample_problem"`
	Problems []struct {
		Q        string `json:"Q"`
		A        string `json:"A"`
		UseRegex bool   `json:"use_regex"`
	} `json:"problems"`
}

// ProblemStore serves immutable quiz content by index. Content lives in the
// shared KV cache under a random per-instance prefix so concurrent deploys
// never collide; compiled regex patterns stay in-process.
type ProblemStore struct {
	kv     KVStore
	logger *slog.Logger

	prefix     string
	keys       []string
	version    int
	length     int
	maxRetry   int
	stripChars string
	ticketLink string
	messages   ProblemMessages
	sample     *SampleProblem
	confirm    *ConfirmPrompt
	patterns   map[int]*regexp.Regexp
}

// LoadProblemSet reads a JSON problem definition from path and loads it into
// the cache.
func LoadProblemSet(ctx context.Context, path string, kv KVStore, logger *slog.Logger) (*ProblemStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read problem file %s: %w", path, err)
	}
	return NewProblemStore(ctx, data, kv, logger)
}

// NewProblemStore parses a JSON problem definition and writes its content to
// the cache under a fresh instance prefix.
func NewProblemStore(ctx context.Context, data []byte, kv KVStore, logger *slog.Logger) (*ProblemStore, error) {
	var pf problemFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse problem definition: %w", err)
	}
	if len(pf.Problems) == 0 {
		return nil, fmt.Errorf("problem definition contains no problems")
	}
	if pf.Version < 1 {
		pf.Version = 1
	}

	ps := &ProblemStore{
		kv:         kv,
		logger:     logger,
		prefix:     "exam:" + uuid.New().String() + ":",
		version:    pf.Version,
		length:     len(pf.Problems),
		maxRetry:   pf.MaxRetry,
		stripChars: pf.StripChars,
		ticketLink: pf.TicketLink,
		messages:   pf.ProblemMessages,
		sample:     pf.Sample,
		confirm:    pf.Confirm,
		patterns:   make(map[int]*regexp.Regexp),
	}

	pairs := make(map[string]string, len(pf.Problems)*3)
	for i, p := range pf.Problems {
		compare := utils.StripChars(p.A, pf.StripChars)
		if p.UseRegex {
			re, err := regexp.Compile(p.A)
			if err != nil {
				return nil, fmt.Errorf("problem %d: bad answer pattern: %w", i, err)
			}
			ps.patterns[i] = re
			// The pattern itself is the comparison value; never stripped.
			compare = p.A
		}
		pairs[ps.questionKey(i)] = p.Q
		pairs[ps.originKey(i)] = p.A
		pairs[ps.answerKey(i)] = compare
		pairs[ps.regexKey(i)] = strconv.Itoa(utils.BtoI(p.UseRegex))
	}
	for k := range pairs {
		ps.keys = append(ps.keys, k)
	}

	if err := kv.MSet(ctx, pairs); err != nil {
		return nil, fmt.Errorf("load problem set into cache: %w", err)
	}
	logger.Info("Problem set loaded", "problems", ps.length, "version", ps.version, "prefix", ps.prefix)
	return ps, nil
}

func (ps *ProblemStore) questionKey(i int) string { return ps.prefix + "q:" + strconv.Itoa(i) }
func (ps *ProblemStore) originKey(i int) string   { return ps.prefix + "orig:" + strconv.Itoa(i) }
func (ps *ProblemStore) answerKey(i int) string   { return ps.prefix + "a:" + strconv.Itoa(i) }
func (ps *ProblemStore) regexKey(i int) string    { return ps.prefix + "re:" + strconv.Itoa(i) }

// GetRandomIndex returns a uniformly chosen problem index.
func (ps *ProblemStore) GetRandomIndex() int {
	return mrand.Intn(ps.length)
}

// Get fetches a problem by index. The returned Answer is the comparison value
// (stripped for exact-match problems, the raw pattern for regex problems).
func (ps *ProblemStore) Get(ctx context.Context, index int) (Problem, error) {
	if index < 0 || index >= ps.length {
		return Problem{}, fmt.Errorf("problem index %d out of range [0,%d): %w", index, ps.length, ErrNotFound)
	}
	q, err := ps.kv.Get(ctx, ps.questionKey(index))
	if err != nil {
		return Problem{}, err
	}
	a, err := ps.kv.Get(ctx, ps.answerKey(index))
	if err != nil {
		return Problem{}, err
	}
	re, err := ps.kv.Get(ctx, ps.regexKey(index))
	if err != nil {
		return Problem{}, err
	}
	return Problem{Index: index, Question: q, Answer: a, UseRegex: re == "1"}, nil
}

// OriginAnswer returns the unmodified answer, bypassing punctuation stripping.
// Moderator-facing displays only.
func (ps *ProblemStore) OriginAnswer(ctx context.Context, index int) (string, error) {
	if index < 0 || index >= ps.length {
		return "", fmt.Errorf("problem index %d out of range [0,%d): %w", index, ps.length, ErrNotFound)
	}
	return ps.kv.Get(ctx, ps.originKey(index))
}

// Check grades an answer against the problem at index. Exact-match problems
// compare the stripped input against the stored stripped answer,
// case-sensitive. Regex problems require the pattern to match at the start of
// the stripped input.
func (ps *ProblemStore) Check(ctx context.Context, index int, text string) (bool, error) {
	p, err := ps.Get(ctx, index)
	if err != nil {
		return false, err
	}
	stripped := utils.StripChars(text, ps.stripChars)
	if p.UseRegex {
		re, ok := ps.patterns[index]
		if !ok {
			return false, fmt.Errorf("problem %d: no compiled pattern: %w", index, ErrNotFound)
		}
		loc := re.FindStringIndex(stripped)
		return loc != nil && loc[0] == 0, nil
	}
	return stripped == p.Answer, nil
}

// Close removes every cache key this instance wrote. Failures are logged, not
// fatal: entries left behind are orphaned under a prefix nobody reads.
func (ps *ProblemStore) Close(ctx context.Context) error {
	if err := ps.kv.Delete(ctx, ps.keys...); err != nil {
		ps.logger.Error("Failed to delete problem set cache keys", "prefix", ps.prefix, "error", err)
		return err
	}
	return nil
}

// Version is the version stamp of the loaded problem set.
func (ps *ProblemStore) Version() int { return ps.version }

// Len is the number of problems in the set.
func (ps *ProblemStore) Len() int { return ps.length }

// MaxRetry is the wrong-answer budget before lockout.
func (ps *ProblemStore) MaxRetry() int { return ps.maxRetry }

// Messages returns the user-facing copy for this problem set.
func (ps *ProblemStore) Messages() ProblemMessages { return ps.messages }

// Sample returns the optional worked example, or nil.
func (ps *ProblemStore) Sample() *SampleProblem { return ps.sample }

// Confirm returns the optional click-to-continue configuration, or nil.
func (ps *ProblemStore) Confirm() *ConfirmPrompt { return ps.confirm }

// TicketLink is the optional support-bot URL attached to the welcome message.
func (ps *ProblemStore) TicketLink() string { return ps.ticketLink }

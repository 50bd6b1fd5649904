package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/device"
)

const (
	DefaultMaxSteps  = 10
	DefaultCacheSize = 128
)

// stepNamespace roots the name-based step ids
var stepNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("netdoc/plan-step"))

// Request describes what to plan for
type Request struct {
	DeviceID   string        `json:"device_id"`
	Family     device.Family `json:"device_type"`
	Vendor     string        `json:"vendor,omitempty"`
	Role       string        `json:"role,omitempty"`
	Goal       string        `json:"goal"`
	AssumeSudo bool          `json:"assume_sudo,omitempty"`
}

// Step is one validated command candidate
type Step struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Command     string `json:"command"`
	Destructive bool   `json:"destructive"`
}

// Plan is an immutable, reviewed list of steps
type Plan struct {
	ID        string        `json:"id"`
	DeviceID  string        `json:"device_id,omitempty"`
	Family    device.Family `json:"device_type"`
	Goal      string        `json:"goal"`
	Steps     []Step        `json:"steps"`
	Rejected  int           `json:"rejected,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Select returns the commands of the given step ids in plan order.
// Duplicate ids are ignored; unknown ids are an error.
func (p *Plan) Select(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nderrors.New(nderrors.ErrInvalidInput, "no steps selected")
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	commands := make([]string, 0, len(wanted))
	for _, step := range p.Steps {
		if wanted[step.ID] {
			commands = append(commands, step.Command)
			delete(wanted, step.ID)
		}
	}
	for _, id := range ids {
		if wanted[id] {
			return nil, nderrors.Newf(nderrors.ErrInvalidInput, "step %s is not part of plan %s", id, p.ID)
		}
	}
	return commands, nil
}

// HasDestructive reports whether any of the given steps is flagged destructive
func (p *Plan) HasDestructive(ids []string) bool {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	for _, step := range p.Steps {
		if wanted[step.ID] && step.Destructive {
			return true
		}
	}
	return false
}

func (p *Plan) clone() *Plan {
	cp := *p
	cp.Steps = append([]Step(nil), p.Steps...)
	return &cp
}

// Options tune the validator
type Options struct {
	MaxSteps  int
	CacheSize int
}

// Validator turns generator output into plans
type Validator struct {
	gen   Generator
	opts  Options
	cache *planCache
	now   func() time.Time
}

// NewValidator creates a validator around a text generator
func NewValidator(gen Generator, opts Options) *Validator {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	return &Validator{
		gen:   gen,
		opts:  opts,
		cache: newPlanCache(opts.CacheSize),
		now:   time.Now,
	}
}

// Plan asks the generator for commands and returns the validated plan.
// Identical requests are answered from the cache.
func (v *Validator) Plan(ctx context.Context, req Request) (*Plan, error) {
	req.Goal = strings.TrimSpace(req.Goal)
	if req.Goal == "" {
		return nil, nderrors.New(nderrors.ErrInvalidInput, "goal is required")
	}

	key := cacheKey(req)
	if plan, ok := v.cache.get(key); ok {
		return plan.clone(), nil
	}

	prompt := Prompt{
		Family:   req.Family,
		Vendor:   req.Vendor,
		Role:     req.Role,
		Goal:     req.Goal,
		MaxSteps: v.opts.MaxSteps,
	}
	prompt.Text = RenderPrompt(prompt)

	text, err := v.gen.Generate(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nderrors.Wrap(err, nderrors.ErrCancelled, "plan generation cancelled")
		}
		return nil, nderrors.Wrap(err, nderrors.ErrExecution, "plan generation failed")
	}

	plan := &Plan{
		ID:        uuid.NewString(),
		DeviceID:  req.DeviceID,
		Family:    req.Family,
		Goal:      req.Goal,
		CreatedAt: v.now().UTC(),
	}
	plan.Steps, plan.Rejected, plan.Truncated = v.validate(plan.ID, req, extractCandidates(text))
	if len(plan.Steps) == 0 {
		return nil, nderrors.Newf(nderrors.ErrExecution, "no usable commands for goal %q", req.Goal)
	}

	log.Printf("[PLANNER] plan %s for %q: %d steps, %d rejected", plan.ID, req.Goal, len(plan.Steps), plan.Rejected)
	v.cache.put(key, plan)
	return plan.clone(), nil
}

// Lookup returns a previously generated plan by id
func (v *Validator) Lookup(id string) (*Plan, bool) {
	plan, ok := v.cache.byID(id)
	if !ok {
		return nil, false
	}
	return plan.clone(), true
}

func (v *Validator) validate(planID string, req Request, cands []candidate) ([]Step, int, bool) {
	var steps []Step
	seen := make(map[string]bool)
	rejected := 0
	truncated := false

	for _, c := range cands {
		cmd := Sanitize(req.Family, c.Command)
		if cmd == "" {
			rejected++
			continue
		}
		if req.AssumeSudo && req.Family == device.FamilyLinux && !strings.HasPrefix(cmd, "sudo ") {
			cmd = "sudo " + cmd
		}

		norm := strings.ToLower(cmd)
		if seen[norm] {
			continue
		}
		seen[norm] = true

		if len(steps) == v.opts.MaxSteps {
			truncated = true
			break
		}

		desc := strings.TrimSpace(c.Description)
		if desc == "" {
			desc = "Run " + cmd
		}
		steps = append(steps, Step{
			ID:          stepID(planID, len(steps), cmd),
			Description: desc,
			Command:     cmd,
			Destructive: Destructive(cmd),
		})
	}
	return steps, rejected, truncated
}

func stepID(planID string, index int, command string) string {
	name := planID + "/" + strconv.Itoa(index) + "/" + command
	return uuid.NewSHA1(stepNamespace, []byte(name)).String()
}

func cacheKey(req Request) string {
	hash := sha256.New()
	fmt.Fprintf(hash, "%s\x00%s\x00%s\x00%s\x00%t\x00", req.DeviceID, req.Family,
		strings.ToLower(req.Vendor), strings.ToLower(req.Role), req.AssumeSudo)
	hash.Write([]byte(strings.Join(strings.Fields(strings.ToLower(req.Goal)), " ")))
	return hex.EncodeToString(hash.Sum(nil))[:32]
}

// planCache is a bounded LRU of plans, addressable by request key and plan
// id. The id index follows evictions.
type planCache struct {
	mu    sync.Mutex
	plans *lru.Cache[string, *Plan]
	ids   map[string]string
}

// newPlanCache needs a positive size, which NewValidator guarantees
func newPlanCache(size int) *planCache {
	c := &planCache{ids: make(map[string]string)}
	c.plans, _ = lru.NewWithEvict[string, *Plan](size, func(_ string, plan *Plan) {
		delete(c.ids, plan.ID)
	})
	return c
}

func (c *planCache) get(key string) (*Plan, bool) {
	return c.plans.Get(key)
}

func (c *planCache) byID(id string) (*Plan, bool) {
	c.mu.Lock()
	key, ok := c.ids[id]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return c.plans.Peek(key)
}

func (c *planCache) put(key string, plan *Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// replacing a key does not fire the eviction callback
	if old, ok := c.plans.Peek(key); ok {
		delete(c.ids, old.ID)
	}
	c.ids[plan.ID] = key
	c.plans.Add(key, plan)
}

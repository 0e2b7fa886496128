package queue

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Registration binds a job type to its payload schema and constructor.
type Registration struct {
	// NewParams returns a fresh pointer to the payload struct for this job
	// type. Its validate tags are the schema.
	NewParams func() any

	// Build constructs the executable job from validated params.
	Build func(params any) (Job, error)
}

// Factory validates payloads against the schema registered for their job
// type and constructs executable jobs. Construction failures are terminal
// ValidationErrors, distinct from retryable execution failures.
type Factory struct {
	log      *zap.Logger
	validate *validator.Validate

	mu       sync.RWMutex
	registry map[string]Registration
}

// NewFactory returns an empty registry.
func NewFactory(log *zap.Logger) *Factory {
	return &Factory{
		log:      log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		registry: make(map[string]Registration),
	}
}

// Register binds jobType to reg. Registering the same type twice is an error.
func (f *Factory) Register(jobType string, reg Registration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.registry[jobType]; exists {
		return ErrDuplicateJobType
	}
	f.registry[jobType] = reg
	f.log.Info("registered job type", zap.String("type", jobType))
	return nil
}

// Create validates payload against the schema for jobType and builds the
// job. Any failure here is a ValidationError: the job can never execute and
// must be dead-lettered, not retried.
func (f *Factory) Create(jobType string, payload json.RawMessage) (Job, error) {
	f.mu.RLock()
	reg, ok := f.registry[jobType]
	f.mu.RUnlock()
	if !ok {
		return nil, &ValidationError{JobType: jobType, Err: ErrUnknownJobType}
	}

	params := reg.NewParams()
	if err := json.Unmarshal(payload, params); err != nil {
		return nil, &ValidationError{JobType: jobType, Err: err}
	}
	if err := f.validate.Struct(params); err != nil {
		return nil, &ValidationError{JobType: jobType, Err: err}
	}

	job, err := reg.Build(params)
	if err != nil {
		return nil, &ValidationError{JobType: jobType, Err: err}
	}
	return job, nil
}

// Validate runs the Create path and discards the job. Used by producers that
// want synchronous rejection at enqueue time.
func (f *Factory) Validate(jobType string, payload json.RawMessage) error {
	_, err := f.Create(jobType, payload)
	return err
}

// Types returns the registered job types, sorted.
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]string, 0, len(f.registry))
	for t := range f.registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

package activity

import (
	"context"
	"errors"
)

// GeneratorOptions is embedded in the options of agents that consume the
// output of an earlier activity.
type GeneratorOptions struct {
	GeneratorURI string `json:"generator_uri"`
}

func (o GeneratorOptions) Validate() error {
	if o.GeneratorURI == "" {
		return errors.New("generator_uri is required")
	}
	return nil
}

// Consumer resolves the activity whose output an agent works on.
type Consumer struct {
	Activities *Service
	generator  *Activity
}

// AssignGeneratorActivity resolves opts.GeneratorURI.
func (c *Consumer) AssignGeneratorActivity(ctx context.Context, opts GeneratorOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	a, err := c.Activities.FromURI(ctx, opts.GeneratorURI)
	if err != nil {
		return err
	}
	c.generator = a
	return nil
}

// GeneratorActivity is nil until assigned.
func (c *Consumer) GeneratorActivity() *Activity { return c.generator }

package compiler

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stealthrocket/suspend/ir"
)

// ClassBuilder receives the declarations produced while transforming the
// methods of a class. NewField may be called concurrently by the transforms
// of different methods; declaring the same field twice must be a no-op.
type ClassBuilder interface {
	ClassName() string
	NewField(access ir.Access, name string, t ir.Type) error
}

// Compile lowers every continuation method of class into a state machine.
//
// Methods are transformed in parallel. The first error aborts the
// compilation; methods whose transformation completed are left
// transformed, the others are left untouched.
func Compile(class *ir.Class, options ...Option) error {
	c := newCompiler(options)
	return c.compile(class)
}

// TransformMethod lowers a single continuation method of the class being
// built by b. Methods without the ContinuationMethod annotation, or already
// carrying SkipTransform, are left untouched.
func TransformMethod(b ClassBuilder, m *ir.Method, options ...Option) error {
	c := newCompiler(options)
	return c.transformMethod(b, m)
}

func (c *compiler) compile(class *ir.Class) error {
	c.logger.Debug("compiling class",
		zap.String("class", class.Name),
		zap.Int("methods", len(class.Methods)),
		zap.Int("concurrency", c.concurrency))

	var group errgroup.Group
	group.SetLimit(c.concurrency)
	for _, m := range class.Methods {
		group.Go(func() error {
			if err := c.transformMethod(class, m); err != nil {
				return fmt.Errorf("compiling %s: %w", class.Name, err)
			}
			return nil
		})
	}
	return group.Wait()
}

func (c *compiler) transformMethod(b ClassBuilder, m *ir.Method) error {
	owner := b.ClassName()
	logger := c.logger.With(zap.String("class", owner), zap.Stringer("method", m))

	if m.HasAnnotation(ir.SkipTransform) {
		c.metrics.observe("skipped", 0, 0, 0)
		logger.Debug("skipping method already transformed")
		return nil
	}
	if !m.HasAnnotation(ir.ContinuationMethod) {
		return nil
	}

	start := time.Now()
	points, spills, err := c.lower(b, m)
	if err != nil {
		c.metrics.observe("failed", 0, 0, 0)
		logger.Error("cannot transform method", zap.Error(err))
		return err
	}
	elapsed := time.Since(start)
	c.metrics.observe("transformed", points, spills, elapsed)
	logger.Debug("transformed method",
		zap.Int("suspension_points", points),
		zap.Int("spilled_locals", spills),
		zap.Duration("elapsed", elapsed))
	return nil
}

// lower runs the pipeline on a copy of the method body and commits it to m
// only when every step succeeded.
func (c *compiler) lower(b ClassBuilder, m *ir.Method) (points, spills int, err error) {
	owner := b.ClassName()
	if m.Static() || m.Desc != ir.ResumeDesc {
		return 0, 0, consistencyError(m.String(), 0, "continuation methods must be instance methods of type %s", ir.ResumeDesc)
	}

	work := *m
	work.Code = m.Code.Clone()

	if err := normalizeStack(owner, &work, c.markerOwner); err != nil {
		return 0, 0, err
	}
	suspensions, err := scanSuspensionPoints(&work, c.markerOwner)
	if err != nil {
		return 0, 0, err
	}

	var fields []ir.Field
	if len(suspensions) > 0 {
		frames, err := Analyze(owner, &work, BasicInterpreter)
		if err != nil {
			return 0, 0, err
		}
		plan, err := planSpills(&work, suspensions, frames)
		if err != nil {
			return 0, 0, err
		}
		plan.apply(&work, owner)

		resume := make([]ir.Label, len(suspensions))
		for i, p := range suspensions {
			if resume[i], err = transformCall(&work, owner, p, plan.anchor(p.ID)); err != nil {
				return 0, 0, err
			}
		}
		generateDispatcher(&work, owner, resume)

		fields = append(fields, ir.Field{Access: ir.AccPrivate | ir.AccVolatile, Name: StateField, Type: ir.IntType})
		fields = append(fields, plan.fields()...)
		for _, e := range plan.edits {
			spills += len(e.spills)
		}
	}

	for _, f := range fields {
		if err := b.NewField(f.Access, f.Name, f.Type); err != nil {
			return 0, 0, fmt.Errorf("%s: %w", m, err)
		}
	}

	m.Code = work.Code
	m.MaxLocals = work.MaxLocals
	m.RemoveAnnotation(ir.ContinuationMethod)
	m.AddAnnotation(ir.SkipTransform)
	return len(suspensions), spills, nil
}

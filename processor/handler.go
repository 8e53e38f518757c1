package processor

import (
	"context"
	"encoding/json"
	"fmt"

	geocube "github.com/airbusgeo/geocube-client-go/client"
	"github.com/airbusgeo/s2-gapfill/common"
	"github.com/airbusgeo/s2-gapfill/masker"
	"github.com/airbusgeo/s2-gapfill/service"
)

// Processor runs the jobs
type Processor struct {
	Storage    service.Storage
	Geocube    *geocube.Client // Optional, required to index the outputs
	Workdir    string
	Thresholds masker.Thresholds // Default thresholds of the masker
	Fill       FillOptions
}

// Describe decodes a job (common.Job) and returns its result without status.
func Describe(data []byte) (common.Result, error) {
	_, res, err := decode(data)
	return res, err
}

// Handle decodes and runs a job (common.Job).
// The returned result has no status if an error occurred: the caller decides whether the job must be retried.
func (p *Processor) Handle(ctx context.Context, data []byte) (common.Result, error) {
	payload, res, err := decode(data)
	if err != nil {
		return common.Result{}, err
	}

	switch job := payload.(type) {
	case common.SceneToMask:
		if err := MaskScene(ctx, p.Storage, job, p.Thresholds, p.Workdir); err != nil {
			return res, err
		}
		res.Status = common.StatusDONE

	case common.QuarterToCompose:
		if err := ComposeQuarter(ctx, p.Storage, job, p.Workdir); err != nil {
			return res, err
		}
		res.Status = common.StatusDONE

	case common.StackToFill:
		fr, err := FillStack(ctx, p.Storage, p.Geocube, job, p.Workdir, p.Fill)
		if err != nil {
			return res, err
		}
		res.Status = fr.Status()
		res.Stats = &fr.Stats
		if fr.Warning != nil {
			res.Message = fr.Warning.Error()
		}
	}
	return res, nil
}

// Outcome returns the result to publish after the try-th attempt of a job that ended with err.
// It returns false if nothing must be published: the job is unknown or will be retried.
// Once the tries are exhausted, a failed job is always FAILED.
func Outcome(res common.Result, err error, try, maxTries int) (common.Result, bool) {
	if res.Type == "" {
		return res, false
	}
	if err == nil {
		return res, true
	}
	if service.Temporary(err) && try < maxTries {
		return res, false
	}
	res.Message = err.Error()
	res.Status = common.StatusFAILED
	if try < maxTries && !service.Fatal(err) && !IsFatal(err) {
		res.Status = common.StatusRETRY
	}
	return res, true
}

func decode(data []byte) (interface{}, common.Result, error) {
	var job common.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, common.Result{}, service.MakeFatal(fmt.Errorf("invalid job: %w", err))
	}
	res := common.Result{Type: job.Type}
	switch job.Type {
	case common.ResultTypeScene:
		var scene common.SceneToMask
		if err := unmarshalPayload(job, &scene); err != nil {
			return nil, common.Result{}, err
		}
		res.Unit, res.Name = scene.Unit, scene.Name()
		return scene, res, nil

	case common.ResultTypeComposite:
		var quarter common.QuarterToCompose
		if err := unmarshalPayload(job, &quarter); err != nil {
			return nil, common.Result{}, err
		}
		res.Unit, res.Name = quarter.Unit, quarter.Name()
		return quarter, res, nil

	case common.ResultTypeStack:
		var stack common.StackToFill
		if err := unmarshalPayload(job, &stack); err != nil {
			return nil, common.Result{}, err
		}
		res.Unit, res.Name = stack.Unit, stack.Name()
		return stack, res, nil
	}
	return nil, common.Result{}, service.MakeFatal(fmt.Errorf("unknown job type '%s'", job.Type))
}

func unmarshalPayload(job common.Job, payload interface{}) error {
	if err := json.Unmarshal(job.Payload, payload); err != nil {
		return service.MakeFatal(fmt.Errorf("invalid %s payload: %w", job.Type, err))
	}
	return nil
}

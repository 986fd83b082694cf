package runner

import (
	"context"
	"log"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/stackhaven/harbormaster/common/models"
)

type HandlerFunc func(ctx context.Context, job *models.Job) error

type registration struct {
	schema  JobSchema
	handler HandlerFunc
}

/**
Runner polls the queues of every registered job type and pushes each job
through the uniform processing contract: schema validation first, then the
handler under a processing deadline. Fatal errors drop the job with a log
line; anything else requeues it until the attempt budget runs out and it is
dead-lettered.
*/
type Runner struct {
	redisClient     *redis.Client
	handlers        map[models.JobType]registration
	shutdownChan    chan bool
	queuePollTicker *time.Ticker
	maxAttempts     int
	jobTimeout      time.Duration
}

func NewRunner(redisClient *redis.Client, pollInterval time.Duration, maxAttempts int, jobTimeout time.Duration) *Runner {
	return &Runner{
		redisClient:     redisClient,
		handlers:        make(map[models.JobType]registration),
		shutdownChan:    make(chan bool),
		queuePollTicker: time.NewTicker(pollInterval),
		maxAttempts:     maxAttempts,
		jobTimeout:      jobTimeout,
	}
}

/**
attach a handler and its payload schema for the given job type. Must be
called before Start.
*/
func (r *Runner) Register(jobType models.JobType, schema JobSchema, handler HandlerFunc) {
	r.handlers[jobType] = registration{schema: schema, handler: handler}
}

func (r *Runner) Start() {
	go r.requestProcessor()
}

func (r *Runner) Shutdown() {
	close(r.shutdownChan)
}

/**
goroutine to process incoming jobs
*/
func (r *Runner) requestProcessor() {
	log.Print("Started job runner processing routine")
	for {
		select {
		case <-r.queuePollTicker.C:
			r.queueTick()
		case <-r.shutdownChan:
			r.queuePollTicker.Stop()
			log.Print("Job runner shut down")
			return
		}
	}
}

/**
drain every registered queue in turn until all are empty for this tick
*/
func (r *Runner) queueTick() {
	for jobType := range r.handlers {
		for {
			job, getErr := models.NextJob(jobType, r.redisClient)
			if getErr != nil {
				log.Printf("ERROR: Could not get next %s job: %s", jobType, getErr)
				break
			}
			if job == nil {
				break
			}
			r.processJob(job)
		}
	}
}

/**
run one job through validation, the handler, and failure classification
*/
func (r *Runner) processJob(job *models.Job) {
	reg, gotHandler := r.handlers[job.Type]
	if !gotHandler {
		//can't happen from queueTick, but guard against direct calls
		log.Printf("ERROR: No handler registered for job type %s", job.Type)
		return
	}

	validationErr := reg.schema.Validate(job.Payload)
	if validationErr != nil {
		log.Printf("ERROR: Dropping malformed %s job %s: %s", job.Type, job.Id, validationErr)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.jobTimeout)
	defer cancel()

	handlerErr := reg.handler(ctx, job)
	if handlerErr == nil {
		return
	}

	if models.IsFatal(handlerErr) {
		log.Printf("ERROR: Dropping %s job %s after fatal error: %s", job.Type, job.Id, handlerErr)
		return
	}

	log.Printf("WARNING: %s job %s failed on attempt %d: %s", job.Type, job.Id, job.Attempts+1, handlerErr)
	requeueErr := models.RequeueJob(job, r.maxAttempts, handlerErr.Error(), r.redisClient)
	if requeueErr != nil {
		log.Printf("ERROR: Could not requeue %s job %s: %s", job.Type, job.Id, requeueErr)
	}
}

/**
queue depths for every registered job type, for the ops status endpoint
*/
func (r *Runner) QueueStats() map[string]int64 {
	stats := make(map[string]int64, len(r.handlers)+1)
	for jobType := range r.handlers {
		length, lenErr := models.QueueLength(jobType, r.redisClient)
		if lenErr != nil {
			continue
		}
		stats[string(jobType)] = length
	}
	deadLetters, dlErr := models.DeadLetterCount(r.redisClient)
	if dlErr == nil {
		stats["deadletter"] = deadLetters
	}
	return stats
}

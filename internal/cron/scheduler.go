// Package cron runs client-scheduled broadcast jobs. A job fires message
// envelopes into a room/channel either on a fixed interval (with an optional
// start delay and repeat count) or on a cron expression. Jobs die with their
// owner's connection.
package cron

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/protocol"
)

// CronSender stamps every scheduled envelope.
const CronSender = "op-cron"

var (
	ErrJobNotFound = errors.New("cron job not found")
	ErrNotOwner    = errors.New("cannot cancel cron job owned by another client")
	ErrDisabled    = errors.New("cron scheduling is disabled")
	ErrJobLimit    = errors.New("cron job limit reached for client")
)

// Publisher delivers a fired envelope into the bus (store + route).
type Publisher func(e *protocol.Envelope)

// ScheduleRequest carries the op.cron.schedule arguments.
type ScheduleRequest struct {
	Room            string
	Channel         string
	Payload         map[string]interface{}
	DelaySeconds    float64
	IntervalSeconds float64
	CronExpr        string
	RepeatCount     int // 0 means forever
}

// Job is a live scheduled broadcast.
type Job struct {
	ID        string    `json:"job_id"`
	OwnerID   string    `json:"owner_client_id"`
	Room      string    `json:"room"`
	Channel   string    `json:"channel"`
	CronExpr  string    `json:"cron_expr,omitempty"`
	Delay     float64   `json:"delay_seconds,omitempty"`
	Interval  float64   `json:"interval_seconds,omitempty"`
	Repeat    int       `json:"repeat_count"`
	CreatedAt time.Time `json:"created_at"`

	payload map[string]interface{}

	mu    sync.Mutex
	fired int
	stop  chan struct{} // interval jobs only
	entry cronlib.EntryID
}

func newJobID() string {
	return "cron_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Scheduler owns all cron jobs and the shared cron runner.
type Scheduler struct {
	cfg     config.CronConfig
	publish Publisher
	runner  *cronlib.Cron
	ids     *protocol.IDGenerator
	logger  *log.Logger

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewScheduler creates the scheduler and starts the cron runner. Emitted
// envelopes mint their ids from ids.
func NewScheduler(cfg config.CronConfig, ids *protocol.IDGenerator, publish Publisher) *Scheduler {
	if ids == nil {
		ids = protocol.NewIDGenerator()
	}
	s := &Scheduler{
		cfg:     cfg,
		publish: publish,
		runner:  cronlib.New(),
		ids:     ids,
		logger:  log.New(log.Writer(), "[CRON] ", log.LstdFlags),
		jobs:    make(map[string]*Job),
	}
	s.runner.Start()
	return s
}

// Schedule validates and starts a job for the owner.
func (s *Scheduler) Schedule(ownerID string, req ScheduleRequest) (*Job, error) {
	if !s.cfg.Enabled {
		return nil, ErrDisabled
	}
	if req.Room == "" || req.Channel == "" {
		return nil, fmt.Errorf("'room' and 'channel' are required")
	}
	if req.Payload == nil {
		return nil, fmt.Errorf("'payload' must be an object")
	}
	if req.CronExpr == "" && req.IntervalSeconds <= 0 && req.DelaySeconds <= 0 {
		return nil, fmt.Errorf("one of 'cron_expr', 'interval_seconds' or 'delay_seconds' is required")
	}
	if req.IntervalSeconds < 0 || req.DelaySeconds < 0 || req.RepeatCount < 0 {
		return nil, fmt.Errorf("timing arguments must not be negative")
	}
	if req.RepeatCount != 1 && req.CronExpr == "" && req.IntervalSeconds <= 0 {
		return nil, fmt.Errorf("'interval_seconds' is required when repeat_count != 1")
	}

	job := &Job{
		ID:        newJobID(),
		OwnerID:   ownerID,
		Room:      req.Room,
		Channel:   req.Channel,
		CronExpr:  req.CronExpr,
		Delay:     req.DelaySeconds,
		Interval:  req.IntervalSeconds,
		Repeat:    req.RepeatCount,
		CreatedAt: time.Now().UTC(),
		payload:   req.Payload,
	}

	s.mu.Lock()
	if s.cfg.MaxPerUser > 0 {
		owned := 0
		for _, j := range s.jobs {
			if j.OwnerID == ownerID {
				owned++
			}
		}
		if owned >= s.cfg.MaxPerUser {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %d active", ErrJobLimit, owned)
		}
	}
	s.jobs[job.ID] = job
	s.mu.Unlock()

	if req.CronExpr != "" {
		entry, err := s.runner.AddFunc(req.CronExpr, func() { s.fireCron(job) })
		if err != nil {
			s.mu.Lock()
			delete(s.jobs, job.ID)
			s.mu.Unlock()
			return nil, fmt.Errorf("invalid cron expression %q: %v", req.CronExpr, err)
		}
		job.entry = entry
	} else {
		job.stop = make(chan struct{})
		go s.runInterval(job)
	}

	s.logger.Printf("scheduled job %s for %s (scope %s/%s)", job.ID, ownerID, job.Room, job.Channel)
	return job, nil
}

// fireCron runs one tick of a cron-expression job, retiring it once the
// repeat budget is spent.
func (s *Scheduler) fireCron(job *Job) {
	job.mu.Lock()
	if job.Repeat > 0 && job.fired >= job.Repeat {
		job.mu.Unlock()
		return
	}
	job.fired++
	iteration := job.fired
	last := job.Repeat > 0 && job.fired >= job.Repeat
	job.mu.Unlock()

	s.emit(job, iteration)
	if last {
		s.remove(job)
	}
}

func (s *Scheduler) runInterval(job *Job) {
	defer s.remove(job)

	if job.Delay > 0 {
		if !sleepOrStop(secondsToDuration(job.Delay), job.stop) {
			return
		}
	}

	iteration := 0
	for {
		iteration++
		s.emit(job, iteration)

		if job.Repeat > 0 && iteration >= job.Repeat {
			return
		}
		if job.Interval <= 0 {
			return
		}
		if !sleepOrStop(secondsToDuration(job.Interval), job.stop) {
			return
		}
	}
}

func sleepOrStop(d time.Duration, stop <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (s *Scheduler) emit(job *Job, iteration int) {
	e := s.ids.Message(job.Room, job.Channel, job.payload)
	e.Sender = CronSender
	e.SetMeta("cron_job_id", job.ID)
	e.SetMeta("iteration", iteration)
	s.publish(e)
}

// remove detaches a finished or cancelled job without signalling it.
func (s *Scheduler) remove(job *Job) {
	s.mu.Lock()
	_, present := s.jobs[job.ID]
	delete(s.jobs, job.ID)
	s.mu.Unlock()

	if present && job.CronExpr != "" {
		s.runner.Remove(job.entry)
	}
}

// Cancel stops a job. Only the owner (or an admin) may cancel it. The bool
// reports whether the job existed.
func (s *Scheduler) Cancel(callerID, jobID string, isAdmin bool) (bool, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	if job.OwnerID != callerID && !isAdmin {
		s.mu.Unlock()
		return false, ErrNotOwner
	}
	delete(s.jobs, jobID)
	s.mu.Unlock()

	s.stopJob(job)
	s.logger.Printf("cancelled job %s", jobID)
	return true, nil
}

func (s *Scheduler) stopJob(job *Job) {
	if job.CronExpr != "" {
		s.runner.Remove(job.entry)
		return
	}
	select {
	case <-job.stop:
	default:
		close(job.stop)
	}
}

// CancelOwner stops every job the owner holds; called on disconnect.
func (s *Scheduler) CancelOwner(ownerID string) int {
	s.mu.Lock()
	var owned []*Job
	for id, job := range s.jobs {
		if job.OwnerID == ownerID {
			owned = append(owned, job)
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()

	for _, job := range owned {
		s.stopJob(job)
	}
	if len(owned) > 0 {
		s.logger.Printf("cancelled %d jobs for disconnected client %s", len(owned), ownerID)
	}
	return len(owned)
}

// List returns job views visible to the caller: admins see everything,
// everyone else sees their own jobs.
func (s *Scheduler) List(callerID string, isAdmin bool) []map[string]interface{} {
	s.mu.Lock()
	var jobs []*Job
	for _, job := range s.jobs {
		if isAdmin || job.OwnerID == callerID {
			jobs = append(jobs, job)
		}
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })

	out := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		view := map[string]interface{}{
			"job_id":          job.ID,
			"owner_client_id": job.OwnerID,
			"room":            job.Room,
			"channel":         job.Channel,
			"repeat_count":    job.Repeat,
			"created_at":      job.CreatedAt.Format(time.RFC3339),
		}
		if job.CronExpr != "" {
			view["cron_expr"] = job.CronExpr
		} else {
			view["delay_seconds"] = job.Delay
			view["interval_seconds"] = job.Interval
		}
		out = append(out, view)
	}
	return out
}

// Count returns the number of live jobs.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Stats reports scheduler counters.
func (s *Scheduler) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	perOwner := make(map[string]int)
	for _, job := range s.jobs {
		perOwner[job.OwnerID]++
	}
	return map[string]interface{}{
		"enabled":      s.cfg.Enabled,
		"active_jobs":  len(s.jobs),
		"jobs_by_user": perOwner,
		"max_per_user": s.cfg.MaxPerUser,
	}
}

// Stop cancels every job and halts the cron runner.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.jobs = make(map[string]*Job)
	s.mu.Unlock()

	for _, job := range jobs {
		s.stopJob(job)
	}
	<-s.runner.Stop().Done()
}

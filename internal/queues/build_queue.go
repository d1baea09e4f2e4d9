package queues

type buildJob struct {
	appName string
	run     func() error
}

type BuildFinishedEvent struct {
	AppName string
	Err     error
}

// BuildQueue runs at most workerCount builds at a time and drops an enqueue
// for an app that is already queued or building.
type BuildQueue struct {
	FinishedChannel chan BuildFinishedEvent

	workerCount int
	pending     []buildJob
	inFlight    map[string]struct{}
	running     int

	enqueueChannel          chan buildJob
	internalFinishedChannel chan BuildFinishedEvent
}

// You need to consume messages from [BuildQueue.FinishedChannel] or it gets stuck
func NewBuildQueue(workerCount int) *BuildQueue {
	return &BuildQueue{
		FinishedChannel:         make(chan BuildFinishedEvent),
		workerCount:             workerCount,
		pending:                 nil,
		inFlight:                make(map[string]struct{}),
		running:                 0,
		enqueueChannel:          make(chan buildJob),
		internalFinishedChannel: make(chan BuildFinishedEvent),
	}
}

func (q *BuildQueue) Start() {
	for {
		select {
		case job := <-q.enqueueChannel:
			if _, duplicate := q.inFlight[job.appName]; duplicate {
				continue
			}
			q.inFlight[job.appName] = struct{}{}
			q.pending = append(q.pending, job)
			q.fillWorkers()

		case event := <-q.internalFinishedChannel:
			q.running--
			delete(q.inFlight, event.AppName)
			q.fillWorkers()
		}
	}
}

func (q *BuildQueue) Enqueue(appName string, run func() error) {
	q.enqueueChannel <- buildJob{
		appName: appName,
		run:     run,
	}
}

func (q *BuildQueue) fillWorkers() {
	for q.running < q.workerCount && len(q.pending) > 0 {
		job := q.pending[0]
		q.pending = q.pending[1:]
		q.running++
		q.runJob(job)
	}
}

func (q *BuildQueue) runJob(job buildJob) {
	go func() {
		err := job.run()

		event := BuildFinishedEvent{
			AppName: job.appName,
			Err:     err,
		}
		q.internalFinishedChannel <- event
		q.FinishedChannel <- event
	}()
}

package worker

type worker struct {
	pool *jobChannelPool
	jobs chan *job
}

func newWorker(pool *jobChannelPool) *worker {
	return &worker{
		pool: pool,
		jobs: make(chan *job),
	}
}

func (w *worker) start() {
	go func() {
		for j := range w.jobs {
			if j == stopJob {
				w.pool.retire(w.jobs)
				return
			}
			w.pool.exec(j)
			if !w.pool.release(w.jobs) {
				w.pool.retire(w.jobs)
				return
			}
		}
	}()
}

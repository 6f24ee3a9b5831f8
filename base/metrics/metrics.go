package metrics

const (
	DeviceJobsSubmittedH  = "The total number of jobs admitted for execution"
	DeviceJobsSubmittedN  = "npusched_device_jobs_submitted"
	DeviceJobsRejectedH   = "The total number of job submissions rejected synchronously"
	DeviceJobsRejectedN   = "npusched_device_jobs_rejected"
	DeviceBuffersH        = "The current number of buffers allocated through sessions"
	DeviceBuffersN        = "npusched_device_buffers"
	DeviceJournalDroppedH = "The total number of job records dropped because the journal fell behind"
	DeviceJournalDroppedN = "npusched_device_journal_dropped"

	FenceDoubleSignalsH = "The total number of attempts to signal an already signaled fence"
	FenceDoubleSignalsN = "npusched_fence_double_signals"

	SchedJobsCompletedH    = "The total number of jobs completed successfully per core"
	SchedJobsCompletedN    = "npusched_sched_jobs_completed"
	SchedJobsFailedH       = "The total number of jobs failed per core"
	SchedJobsFailedN       = "npusched_sched_jobs_failed"
	SchedTasksDispatchedH  = "The total number of tasks issued to hardware per core"
	SchedTasksDispatchedN  = "npusched_sched_tasks_dispatched"
	SchedInFlightH         = "Whether a job is currently in flight on a core"
	SchedInFlightN         = "npusched_sched_in_flight"
	SchedQueuedH           = "The current number of jobs queued on a core"
	SchedQueuedN           = "npusched_sched_queued"
	SchedIRQsH             = "The total number of completion interrupts handled per core"
	SchedIRQsN             = "npusched_sched_irqs"
	SchedSpuriousIRQsH     = "The total number of interrupts ignored because no completion was pending"
	SchedSpuriousIRQsN     = "npusched_sched_spurious_irqs"
	SchedTimeoutsH         = "The total number of confirmed job timeouts per core"
	SchedTimeoutsN         = "npusched_sched_timeouts"
	SchedSpuriousTimeoutsH = "The total number of job timeouts dismissed after interrupt synchronization"
	SchedSpuriousTimeoutsN = "npusched_sched_spurious_timeouts"
	SchedResetsH           = "The total number of core resets"
	SchedResetsN           = "npusched_sched_resets"

	PMBusyH = "Whether a core is marked busy by the power governor"
	PMBusyN = "npusched_pm_busy"
)

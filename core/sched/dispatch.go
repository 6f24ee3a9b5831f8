package sched

import (
	"go.uber.org/zap"

	"example.com/npu-sched/core/job"
	"example.com/npu-sched/driver/hw"
)

// submitLocked issues the task at j's cursor and advances the cursor. It does
// nothing while a reset is pending. The caller holds jobMu.
func (c *Core) submitLocked(j *job.Job) {
	if c.resetPending.Load() {
		return
	}
	t, idx, ok := j.NextTask()
	if !ok {
		return
	}

	w := c.hw.WriteReg
	w(hw.PCBaseAddress, 0x1)
	w(hw.CNASPointer, hw.SPointer(c.index))
	w(hw.CoreSPointer, hw.SPointer(c.index))
	w(hw.PCBaseAddress, uint32(t.RegCmd))
	w(hw.PCRegisterAmounts, hw.RegisterAmounts(t.RegCmdCount))
	w(hw.PCInterruptMask, hw.IntDone)
	w(hw.PCInterruptClear, hw.IntDone)
	w(hw.PCTaskCon, hw.TaskCon())
	w(hw.PCTaskDMABaseAddr, 0)
	w(hw.PCOperationEnable, 0x1)

	c.mtrcs.tasks.Inc()
	c.Log.Debug("submitted task", zap.Int("core", c.index), zap.Uint64("job", j.ID()),
		zap.Int("task", idx), zap.Uint64("regcmd", t.RegCmd), zap.Uint32("count", t.RegCmdCount))
}

package sched

func SetTestHookBottomHalf(f func()) (restore func()) {
	old := testHookBottomHalf
	testHookBottomHalf = f
	return func() { testHookBottomHalf = old }
}

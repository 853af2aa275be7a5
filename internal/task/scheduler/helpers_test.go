package scheduler

import logx "rolecast/pkg/logx"

func nopLog() logx.Logger { return logx.Nop() }

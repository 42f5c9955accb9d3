package main

import (
	"go.uber.org/zap"

	"github.com/severinstrobl/edat/pkg/edat"
	"github.com/severinstrobl/edat/pkg/event"
)

type workload struct {
	Name  string
	About string
	Body  func(rt *edat.Runtime)
}

var workloads = map[string]workload{
	"echo":     {Name: "echo", About: "rank 1 answers a ping from rank 0", Body: echoBody},
	"stream":   {Name: "stream", About: "persistent consumer on rank 0 drains a stream from rank 1", Body: streamBody},
	"wildcard": {Name: "wildcard", About: "wildcard-source reduction over every rank", Body: wildcardBody},
}

func echoBody(rt *edat.Runtime) {
	switch rt.Rank() {
	case 0:
		rt.ScheduleTask(func(tc *edat.TaskContext, events []edat.Event) {
			zap.L().Info("pong received", zap.Int32("value", events[0].DecodeInt()))
		}, edat.Dep(1, "pong"))
		if err := rt.FireEvent(event.EncodeInts(17), edat.Int, 1, 1, "ping"); err != nil {
			zap.L().Error("fire failed", zap.Error(err))
		}
	case 1:
		rt.ScheduleTask(func(tc *edat.TaskContext, events []edat.Event) {
			v := events[0].DecodeInt()
			if err := tc.FireEvent(event.EncodeInts(v+1), edat.Int, 1, 0, "pong"); err != nil {
				zap.L().Error("fire failed", zap.Error(err))
			}
		}, edat.Dep(0, "ping"))
	}
}

const streamLength = 20

func streamBody(rt *edat.Runtime) {
	switch rt.Rank() {
	case 0:
		rt.SchedulePersistentNamedTask(func(tc *edat.TaskContext, events []edat.Event) {
			zap.L().Debug("stream element", zap.Int32("value", events[0].DecodeInt()))
			if events[0].DecodeInt() == streamLength-1 {
				zap.L().Info("stream drained")
			}
		}, "drain", edat.Dep(1, "element"))
	case 1:
		for i := int32(0); i < streamLength; i++ {
			if err := rt.FireEvent(event.EncodeInts(i), edat.Int, 1, 0, "element"); err != nil {
				zap.L().Error("fire failed", zap.Error(err))
			}
		}
	}
}

func wildcardBody(rt *edat.Runtime) {
	if rt.Rank() == 0 {
		// One wildcard dependency per rank; sources arrive in any order.
		deps := make([]edat.Dependency, rt.NumRanks())
		for i := range deps {
			deps[i] = edat.Dep(edat.Any, "contribution")
		}
		rt.ScheduleTask(func(tc *edat.TaskContext, events []edat.Event) {
			var sum int32
			for _, e := range events {
				sum += e.DecodeInt()
			}
			zap.L().Info("reduction complete", zap.Int32("sum", sum))
		}, deps...)
	}
	if err := rt.FireEvent(event.EncodeInts(int32(rt.Rank()+1)), edat.Int, 1, 0, "contribution"); err != nil {
		zap.L().Error("fire failed", zap.Error(err))
	}
}

// Package instancesdata reacts to instance lifecycle events on behalf of
// the rest of the application.
package instancesdata

import (
	"context"

	"github.com/getodk/collect-sub021/internal/logging"
	"github.com/getodk/collect-sub021/internal/models"
	"github.com/getodk/collect-sub021/internal/scheduler"
)

type AutoSender interface {
	AutoSend(ctx context.Context, projectID string) bool
}

// Service starts an auto-send pass in the background when an instance of an
// auto-send form is finalized.
type Service struct {
	auto   AutoSender
	sched  scheduler.Scheduler
	global bool
	log    logging.Logger
}

func New(auto AutoSender, sched scheduler.Scheduler, autoSend bool, log logging.Logger) *Service {
	if log == nil {
		log = logging.Nop()
	}
	return &Service{auto: auto, sched: sched, global: autoSend, log: log}
}

func (s *Service) InstanceFinalized(ctx context.Context, projectID string, form *models.Form) {
	enabled := s.global
	if form != nil {
		enabled = form.AutoSendEnabled(s.global)
	}
	if !enabled {
		return
	}
	s.log.Debug(ctx, "instance finalized, scheduling auto-send", "project", projectID)
	s.sched.Immediate(func(taskCtx context.Context) {
		if !s.auto.AutoSend(taskCtx, projectID) {
			s.log.Info(taskCtx, "auto-send already running", "project", projectID)
		}
	}, nil)
}

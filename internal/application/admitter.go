package application

import (
	"github.com/kjarvik/tradegate/internal/admission"
	"github.com/kjarvik/tradegate/internal/domain"
	"github.com/kjarvik/tradegate/internal/metrics"
)

// meteredAdmitter decorates the admission controller with decision counters
// so rejections and their reasons land in the metrics alongside approvals.
type meteredAdmitter struct {
	adm     *admission.Controller
	metrics *metrics.Registry
}

func (m *meteredAdmitter) Admit(instrumentID string, side domain.Side, signalID string) admission.Decision {
	d := m.adm.Admit(instrumentID, side, signalID)
	if d.Approved {
		m.metrics.Admissions.WithLabelValues("approved", "").Inc()
	} else {
		m.metrics.Admissions.WithLabelValues("rejected", d.Reason).Inc()
	}
	return d
}

func (m *meteredAdmitter) Release(instrumentID string) (domain.Position, bool) {
	return m.adm.Release(instrumentID)
}

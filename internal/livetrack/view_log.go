package livetrack

import (
	"trackd/internal/eta"
	"trackd/internal/geo"

	"github.com/sirupsen/logrus"
)

// LogView renders frames as log lines; used by `trackd watch`.
type LogView struct {
	Log *logrus.Entry
}

func (v LogView) Render(f Frame) {
	fields := logrus.Fields{
		"status":      f.Status,
		"destination": f.Destination.String(),
		"trail":       len(f.Trail),
	}
	if !f.Assigned {
		v.Log.WithFields(fields).Info("awaiting dispatch")
		return
	}
	if f.Vehicle == nil {
		v.Log.WithFields(fields).Info("waiting for first position")
		return
	}
	fields["vehicle"] = f.Vehicle.String()
	fields["movement"] = f.Movement.String()
	fields["updated_at"] = f.UpdatedAt.Format("15:04:05")
	if f.ETA != nil {
		fields["distance_km"] = f.ETA.DistanceKM
		fields["eta"] = eta.Text(f.ETA.ETAMinutes)
	}
	v.Log.WithFields(fields).Info("position")
}

func (v LogView) Recenter(p geo.Point) {
	v.Log.WithField("center", p.String()).Debug("recenter")
}

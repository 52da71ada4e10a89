package meter

import "github.com/ineyio/imagegate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ imagegate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAdmission(imagegate.AdmissionEvent) {}
func (m *NoopMeter) OnJobTransition(imagegate.JobEvent)   {}
func (m *NoopMeter) OnGatewayCall(imagegate.GatewayEvent) {}

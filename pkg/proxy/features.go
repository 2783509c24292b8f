package proxy

import (
	"k8s.io/apimachinery/pkg/util/runtime"
	utilfeature "k8s.io/apiserver/pkg/util/feature"
	"k8s.io/component-base/featuregate"
	logsapi "k8s.io/component-base/logs/api/v1"
)

var DefaultFeatureGate = utilfeature.DefaultFeatureGate

func init() {
	runtime.Must(utilfeature.DefaultMutableFeatureGate.Add(defaultFeatureGates))
}

// Only the logging gates are read; klog contextual logging carries the
// request loggers into rewired calls.
var defaultFeatureGates = map[featuregate.Feature]featuregate.FeatureSpec{
	logsapi.LoggingBetaOptions: {Default: true, PreRelease: featuregate.Beta},
	logsapi.ContextualLogging:  {Default: true, PreRelease: featuregate.Alpha},
}

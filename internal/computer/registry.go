package computer

import (
	"fmt"
	"sort"
	"sync"
)

// provisioners maps provider_type to a registered Provisioner. Sandbox
// integrations (cloud, docker, vm) register themselves here from outside the
// core; the fake provisioner ships built in.
var (
	provMu       sync.RWMutex
	provisioners = map[string]Provisioner{
		"fake": NewFakeProvisioner(),
	}
)

// RegisterProvisioner installs a provisioner for a provider type, replacing
// any previous registration.
func RegisterProvisioner(providerType string, p Provisioner) {
	provMu.Lock()
	defer provMu.Unlock()
	provisioners[providerType] = p
}

// ProvisionerFor looks up the provisioner for a provider type.
func ProvisionerFor(providerType string) (Provisioner, error) {
	provMu.RLock()
	defer provMu.RUnlock()
	if p, ok := provisioners[providerType]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("computer: no provisioner registered for provider type %q (registered: %v)", providerType, registeredLocked())
}

func registeredLocked() []string {
	names := make([]string, 0, len(provisioners))
	for name := range provisioners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

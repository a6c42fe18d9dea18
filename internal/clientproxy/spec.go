package clientproxy

import (
	"github.com/cc-agency/agency/internal/docker"
	"github.com/cc-agency/agency/internal/model"
)

// containerSpecFor builds the host-driver container spec for one batch,
// applying the resource and security settings computed by startBatch (spec
// §4.4): name is always the batch id, user is always 1000:1000, and
// mem_limit == memswap_limit disables swap.
func containerSpecFor(b model.Batch, exp model.Experiment, runtime string, env map[string]string, devices, capAdd, securityOpt []string, ramMiB int64, network string) docker.ContainerSpec {
	return docker.ContainerSpec{
		Image:        exp.Container.Image.URL,
		Name:         string(b.ID),
		Command:      nil, // the Blue agent is the entrypoint; the descriptor carries the real command
		User:         "1000:1000",
		MemLimitMiB:  ramMiB,
		MemSwapLimit: ramMiB,
		Runtime:      runtime,
		Env:          env,
		Network:      network,
		Devices:      devices,
		CapAdd:       capAdd,
		SecurityOpt:  securityOpt,
	}
}

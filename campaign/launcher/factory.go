package launcher

import (
	"campaignd/campaign"
)

// FromConfig selects the launcher a node's resolved configuration asks
// for via its "wms_service" key. An absent key falls back to the shell
// launcher.
func FromConfig(cfg campaign.Mapping) (Launcher, error) {
	service, _ := cfg["wms_service"].(string)
	switch service {
	case "", "shell":
		return &Shell{}, nil
	case "htcondor":
		return NewHTCondor(), nil
	case "slurm":
		return NewSlurm(), nil
	default:
		return nil, campaign.Errorf(campaign.ErrInvalidInput, "unknown wms_service %q", service)
	}
}

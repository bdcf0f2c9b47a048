package installer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"iut/pkg/apperr"
	"iut/pkg/fleet"
	"iut/pkg/redfish"
)

// NICReader lists the MAC addresses of one machine.
type NICReader interface {
	MACs(ctx context.Context) ([]string, error)
}

// NICReaderFactory returns a reader for the BMC of a machine.
type NICReaderFactory func(bmc fleet.BMC) NICReader

// RedfishNICReader is the production NICReaderFactory.
func RedfishNICReader(bmc fleet.BMC) NICReader {
	return redfish.New(bmc.Address, bmc.Username, bmc.Password)
}

// DiscoverMACs records the NIC addresses of every machine that has a BMC.
// Machines without a BMC are skipped.
func DiscoverMACs(ctx context.Context, reg *fleet.Registry, newReader NICReaderFactory, log logrus.FieldLogger) error {
	for i := 0; i < reg.Len(); i++ {
		m := reg.Machine(i)
		if m.BMC == nil {
			log.Infof("Skipping machine (%s) network adapter information retrieval as the platform configuration doesn't provide its BMC specification", m.Name)
			continue
		}

		log.Debugf("Retrieving machine (%s) network adapter information", m.Name)
		macs, err := newReader(*m.BMC).MACs(ctx)
		if err != nil {
			return apperr.New(apperr.KindService, "discover machines", fmt.Errorf("machine %s: %w", m.Key(), err))
		}
		reg.SetMACs(i, macs)
		log.Debugf("Successfully retrieved %d network addresses of machine %s", len(macs), m.Name)
	}
	return nil
}

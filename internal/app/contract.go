package app

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// ContractVersion is bumped only when a DTO changes shape incompatibly.
const ContractVersion = "1.0.0"

const contractHeader = "X-Contract-Version"

func majorVersion(v string) string {
	major, _, _ := strings.Cut(strings.TrimPrefix(strings.TrimSpace(v), "v"), ".")
	return major
}

// checkContractVersion logs clients that ask for a different major version.
// The request is still served.
func checkContractVersion(requested string, logger *log.Entry) {
	if requested == "" || majorVersion(requested) == majorVersion(ContractVersion) {
		return
	}
	logger.WithFields(log.Fields{
		"requested_version": requested,
		"contract_version":  ContractVersion,
	}).Warn("client requested an incompatible contract version")
}

package monsvc

import (
	"errors"
	"fmt"
	"net"

	"iut/pkg/fleet"
)

type createRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	IP     string `json:"ip,omitempty"`
}

type statusRequest struct {
	Status string `json:"status"`
	IP     string `json:"ip,omitempty"`
}

func validID(id string) error {
	if id == "" {
		return errors.New("id is required")
	}
	for _, r := range id {
		isDigit := r >= '0' && r <= '9'
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !isDigit && !isLetter {
			return fmt.Errorf("id %q is not alphanumeric", id)
		}
	}
	return nil
}

func validStatus(status string) error {
	if status == "" {
		return errors.New("status is required")
	}
	if !fleet.ValidStatus(status) {
		return fmt.Errorf("status %q is not one of %v", status, fleet.Statuses)
	}
	return nil
}

func validIP(ip string) error {
	if ip == "" {
		return nil
	}
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("ip %q is not a valid address", ip)
	}
	return nil
}

func (req createRequest) validate() error {
	return errors.Join(validID(req.ID), validStatus(req.Status), validIP(req.IP))
}

func (req statusRequest) validate() error {
	return errors.Join(validStatus(req.Status), validIP(req.IP))
}

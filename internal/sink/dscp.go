package sink

import "golang.org/x/sys/unix"

// applyDSCP sets the IP_TOS (IPv4) and IPV6_TCLASS (IPv6) socket
// options to (dscp & 0x3f) << 2, per §6's qos_dscp configuration knob.
// It tries both option families since the core does not track whether
// a given socket fd is v4 or v6 -- whichever setsockopt call doesn't
// apply to the socket's family simply fails and is ignored, matching
// the "failure to configure DSCP logs a warning but does not reject
// the add" rule in §7 (the caller decides whether both failing is
// itself worth a warning).
func applyDSCP(fd int, dscp int) error {
	tos := (dscp & 0x3f) << 2

	err4 := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
	err6 := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)

	if err4 != nil && err6 != nil {
		return err4
	}
	return nil
}

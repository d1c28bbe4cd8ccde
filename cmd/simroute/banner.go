package main

import (
	"fmt"
	"io"
	"net"
)

// unknownIP is printed when the LAN address cannot be discovered.
const unknownIP = "THIS_PC_IP"

func printBanner(w io.Writer, listen string) {
	port := listenPort(listen)
	fmt.Fprintln(w, "SERVER IS STARTING")
	fmt.Fprintln(w, "In your web browser, go to:")
	fmt.Fprintf(w, "On this device: http://localhost:%s\n", port)
	fmt.Fprintf(w, "On another device on the same network: http://%s:%s\n", lanIP(net.Dial), port)
}

func listenPort(listen string) string {
	_, port, err := net.SplitHostPort(listen)
	if err != nil || port == "" {
		return "8054"
	}
	return port
}

// lanIP finds the address of the outbound interface. Dialing UDP sends no
// packets; it only asks the kernel to pick a route.
func lanIP(dial func(network, address string) (net.Conn, error)) string {
	conn, err := dial("udp", "8.8.8.8:80")
	if err != nil {
		return unknownIP
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && !addr.IP.IsUnspecified() {
		return addr.IP.String()
	}
	return unknownIP
}

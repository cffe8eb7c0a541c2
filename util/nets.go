package util

import (
	"bytes"
	"encoding/binary"
	"net"
	"strconv"
	"strings"
)

func GetLocalAddress() string {
	var ip = "localhost"

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ip
	}

	for _, address := range addrs {
		if ipnet, ok := address.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				ip = ipnet.IP.String()
			}
		}
	}

	return ip
}

func strIpToInt(ipStr string) int {
	ipArr := strings.Split(ipStr, ".")
	var ipInt = 0
	var pos uint = 24
	for _, ipSeg := range ipArr {
		tempInt, _ := strconv.Atoi(ipSeg)
		tempInt = tempInt << pos
		ipInt = ipInt | tempInt
		pos -= 8
	}
	return ipInt
}

// AddressToByte packs "ip:port" into the record's 8-byte host wire
// form: 4 bytes of IPv4 followed by a 4-byte port, big-endian.
func AddressToByte(address string) []byte {
	addressArr := strings.Split(address, ":")
	byteBuf := bytes.NewBuffer([]byte{})

	ipInt := int32(strIpToInt(addressArr[0]))
	binary.Write(byteBuf, binary.BigEndian, ipInt)

	port, _ := strconv.Atoi(addressArr[1])
	binary.Write(byteBuf, binary.BigEndian, int32(port))
	return byteBuf.Bytes()
}

// ByteToAddress is AddressToByte's inverse.
func ByteToAddress(b []byte) string {
	builder := strings.Builder{}
	for i := 0; i < 4; i++ {
		builder.WriteString(strconv.Itoa(int(b[i])))
		if i != 3 {
			builder.WriteString(".")
		}
	}

	portStr := strconv.Itoa(BytesToInt32(b[4:]))
	builder.WriteString(":")
	builder.WriteString(portStr)
	return builder.String()
}

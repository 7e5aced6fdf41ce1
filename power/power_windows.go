//go:build windows

package power

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// SHTDN_REASON_MAJOR_APPLICATION | SHTDN_REASON_MINOR_MAINTENANCE | SHTDN_REASON_FLAG_PLANNED
const shutdownReason = 0x00040000 | 0x00000001 | 0x80000000

func platformPower(a Action, reason string) error {
	if err := enableShutdownPrivilege(); err != nil {
		return fmt.Errorf("could not enable shutdown privilege: %w", err)
	}
	msg, err := windows.UTF16PtrFromString(reason)
	if err != nil {
		return err
	}
	return windows.InitiateSystemShutdownEx(nil, msg, 0, true, a == Reboot, shutdownReason)
}

func enableShutdownPrivilege() error {
	var token windows.Token
	if err := windows.OpenProcessToken(windows.CurrentProcess(), windows.TOKEN_ADJUST_PRIVILEGES|windows.TOKEN_QUERY, &token); err != nil {
		return err
	}
	defer token.Close()

	name, err := windows.UTF16PtrFromString("SeShutdownPrivilege")
	if err != nil {
		return err
	}
	var luid windows.LUID
	if err := windows.LookupPrivilegeValue(nil, name, &luid); err != nil {
		return err
	}
	privs := windows.Tokenprivileges{
		PrivilegeCount: 1,
		Privileges: [1]windows.LUIDAndAttributes{
			{Luid: luid, Attributes: windows.SE_PRIVILEGE_ENABLED},
		},
	}
	return windows.AdjustTokenPrivileges(token, false, &privs, 0, nil, nil)
}

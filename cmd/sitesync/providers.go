package main

import (
	"github.com/BadgerOps/sitesync/internal/provider"
	"github.com/BadgerOps/sitesync/internal/provider/dropbox"
	"github.com/BadgerOps/sitesync/internal/provider/localdrive"
	"github.com/BadgerOps/sitesync/internal/provider/rclone"
	"github.com/BadgerOps/sitesync/internal/provider/s3"
	"github.com/BadgerOps/sitesync/internal/provider/sftp"
)

// newRegistry returns a registry with every built-in provider.
func newRegistry() *provider.Registry {
	reg := provider.NewRegistry()
	reg.Register(provider.CodeLocalDrive, localdrive.New)
	reg.Register(provider.CodeSFTP, sftp.New)
	reg.Register(provider.CodeRclone, rclone.New)
	reg.Register(provider.CodeDropbox, dropbox.New)
	reg.Register(provider.CodeS3, s3.New)
	return reg
}

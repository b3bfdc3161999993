package session

import (
	"context"
	"time"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/backup"
)

// Command is a client request. The set of commands is closed: only the
// types in this file implement it.
type Command interface {
	// CommandName is the command name used in logs and metrics.
	CommandName() string
	command()
}

// Reply is the answer to a Command.
type Reply interface {
	reply()
}

// ============================================================================
// Commands
// ============================================================================

type VersionCommand struct {
	Version int32
}

type LoginCommand struct {
	AccountID uint32
	ReadOnly  bool
}

type FinishedCommand struct{}

type ListDirectoryCommand struct {
	ObjectID    int64
	MustHave    backup.EntryFlags
	MustNotHave backup.EntryFlags
}

// StoreFileCommand adds a file as the current version of its name.
type StoreFileCommand struct {
	DirectoryID      int64
	ModificationTime int64
	AttributesHash   int64
	DiffFromID       int64
	Name             backup.Filename
	Attributes       []byte
	Data             []byte
}

type GetObjectCommand struct {
	ObjectID int64
}

type GetFileCommand struct {
	InDirectory int64
	ObjectID    int64
}

type CreateDirectoryCommand struct {
	ContainerID       int64
	AttributesModTime int64
	ModificationTime  int64
	Name              backup.Filename
	Attributes        []byte
}

type ChangeDirAttributesCommand struct {
	ObjectID          int64
	AttributesModTime int64
	Attributes        []byte
}

type SetReplacementFileAttributesCommand struct {
	InDirectory    int64
	AttributesHash int64
	Name           backup.Filename
	Attributes     []byte
}

type DeleteFileCommand struct {
	InDirectory int64
	Name        backup.Filename
}

type UndeleteFileCommand struct {
	InDirectory int64
	ObjectID    int64
}

type DeleteDirectoryCommand struct {
	ObjectID int64
}

type UndeleteDirectoryCommand struct {
	ObjectID int64
}

type MoveObjectCommand struct {
	ObjectID             int64
	MoveFrom             int64
	MoveTo               int64
	NewName              backup.Filename
	MoveAllWithSameName  bool
	AllowMoveOverDeleted bool
}

type GetBlockIndexByNameCommand struct {
	InDirectory int64
	Name        backup.Filename
}

type GetAccountUsageCommand struct{}

type SetClientStoreMarkerCommand struct {
	Marker int64
}

func (*VersionCommand) CommandName() string { return "Version" }
func (*LoginCommand) CommandName() string { return "Login" }
func (*FinishedCommand) CommandName() string { return "Finished" }
func (*ListDirectoryCommand) CommandName() string { return "ListDirectory" }
func (*StoreFileCommand) CommandName() string { return "StoreFile" }
func (*GetObjectCommand) CommandName() string { return "GetObject" }
func (*GetFileCommand) CommandName() string { return "GetFile" }
func (*CreateDirectoryCommand) CommandName() string { return "CreateDirectory" }
func (*ChangeDirAttributesCommand) CommandName() string { return "ChangeDirAttributes" }
func (*SetReplacementFileAttributesCommand) CommandName() string { return "SetReplacementFileAttributes" }
func (*DeleteFileCommand) CommandName() string { return "DeleteFile" }
func (*UndeleteFileCommand) CommandName() string { return "UndeleteFile" }
func (*DeleteDirectoryCommand) CommandName() string { return "DeleteDirectory" }
func (*UndeleteDirectoryCommand) CommandName() string { return "UndeleteDirectory" }
func (*MoveObjectCommand) CommandName() string { return "MoveObject" }
func (*GetBlockIndexByNameCommand) CommandName() string { return "GetBlockIndexByName" }
func (*GetAccountUsageCommand) CommandName() string { return "GetAccountUsage" }
func (*SetClientStoreMarkerCommand) CommandName() string { return "SetClientStoreMarker" }

func (*VersionCommand) command() {}
func (*LoginCommand) command() {}
func (*FinishedCommand) command() {}
func (*ListDirectoryCommand) command() {}
func (*StoreFileCommand) command() {}
func (*GetObjectCommand) command() {}
func (*GetFileCommand) command() {}
func (*CreateDirectoryCommand) command() {}
func (*ChangeDirAttributesCommand) command() {}
func (*SetReplacementFileAttributesCommand) command() {}
func (*DeleteFileCommand) command() {}
func (*UndeleteFileCommand) command() {}
func (*DeleteDirectoryCommand) command() {}
func (*UndeleteDirectoryCommand) command() {}
func (*MoveObjectCommand) command() {}
func (*GetBlockIndexByNameCommand) command() {}
func (*GetAccountUsageCommand) command() {}
func (*SetClientStoreMarkerCommand) command() {}

// ============================================================================
// Replies
// ============================================================================

type VersionReply struct {
	Version int32
}

type LoginReply struct {
	ClientStoreMarker int64
	BlocksUsed        int64
	BlocksSoftLimit   int64
	BlocksHardLimit   int64
}

type FinishedReply struct{}

// SuccessReply carries the object a command acted on (0 if none).
type SuccessReply struct {
	ObjectID int64
}

type ListDirectoryReply struct {
	Directory *backup.Directory
}

type GetObjectReply struct {
	Data []byte
}

type GetFileReply struct {
	File *File
}

type CreateDirectoryReply struct {
	ObjectID      int64
	AlreadyExists bool
}

type BlockIndexReply struct {
	ObjectID int64
	Index    []backup.BlockInfo
}

type AccountUsageReply struct {
	AccountName          string
	BlockSize            int64
	BlocksUsed           int64
	BlocksInOldFiles     int64
	BlocksInDeletedFiles int64
	BlocksInDirectories  int64
	BlocksSoftLimit      int64
	BlocksHardLimit      int64
}

func (*VersionReply) reply() {}
func (*LoginReply) reply() {}
func (*FinishedReply) reply() {}
func (*SuccessReply) reply() {}
func (*ListDirectoryReply) reply() {}
func (*GetObjectReply) reply() {}
func (*GetFileReply) reply() {}
func (*CreateDirectoryReply) reply() {}
func (*BlockIndexReply) reply() {}
func (*AccountUsageReply) reply() {}

// ============================================================================
// Dispatch
// ============================================================================

// Dispatch runs one command and returns its reply. Every failure is a
// typed error; nothing is recovered silently.
func (c *Context) Dispatch(ctx context.Context, cmd Command) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	reply, err := c.dispatch(ctx, cmd)
	c.metrics.RecordCommand(cmd.CommandName(), time.Since(start), err)
	if err != nil {
		logger.Debug("Session %s: %s failed: %v", c.id, cmd.CommandName(), err)
	}
	return reply, err
}

func (c *Context) dispatch(ctx context.Context, cmd Command) (Reply, error) {
	if c.finished {
		return nil, backup.WrapError(backup.KindProtocolViolation, cmd.CommandName(), 0, backup.ErrWrongPhase)
	}

	switch cmd := cmd.(type) {
	case *VersionCommand:
		if err := c.Version(cmd.Version); err != nil {
			return nil, err
		}
		return &VersionReply{Version: ProtocolVersion}, nil

	case *LoginCommand:
		if err := c.Login(ctx, cmd.AccountID, cmd.ReadOnly); err != nil {
			return nil, err
		}
		return &LoginReply{
			ClientStoreMarker: c.info.ClientStoreMarker,
			BlocksUsed:        c.info.BlocksUsed,
			BlocksSoftLimit:   c.info.BlocksSoftLimit,
			BlocksHardLimit:   c.info.BlocksHardLimit,
		}, nil

	case *FinishedCommand:
		c.finished = true
		if err := c.CleanUp(ctx); err != nil {
			return nil, err
		}
		return &FinishedReply{}, nil

	case *ListDirectoryCommand:
		dir, err := c.ListDirectory(ctx, cmd.ObjectID, cmd.MustHave, cmd.MustNotHave)
		if err != nil {
			return nil, err
		}
		return &ListDirectoryReply{Directory: dir}, nil

	case *StoreFileCommand:
		id, err := c.AddFile(ctx, AddFileRequest{
			Directory:         cmd.DirectoryID,
			Name:              cmd.Name,
			ModificationTime:  cmd.ModificationTime,
			AttributesHash:    cmd.AttributesHash,
			Attributes:        cmd.Attributes,
			DiffFromID:        cmd.DiffFromID,
			Data:              cmd.Data,
			MarkSameNameAsOld: true,
		})
		if err != nil {
			return nil, err
		}
		return &SuccessReply{ObjectID: id}, nil

	case *GetObjectCommand:
		data, err := c.GetObject(ctx, cmd.ObjectID)
		if err != nil {
			return nil, err
		}
		return &GetObjectReply{Data: data}, nil

	case *GetFileCommand:
		f, err := c.GetFile(ctx, cmd.ObjectID, cmd.InDirectory)
		if err != nil {
			return nil, err
		}
		return &GetFileReply{File: f}, nil

	case *CreateDirectoryCommand:
		id, exists, err := c.AddDirectory(ctx, AddDirectoryRequest{
			Container:         cmd.ContainerID,
			Name:              cmd.Name,
			Attributes:        cmd.Attributes,
			AttributesModTime: cmd.AttributesModTime,
			ModificationTime:  cmd.ModificationTime,
		})
		if err != nil {
			return nil, err
		}
		return &CreateDirectoryReply{ObjectID: id, AlreadyExists: exists}, nil

	case *ChangeDirAttributesCommand:
		if err := c.ChangeDirAttributes(ctx, cmd.ObjectID, cmd.Attributes, cmd.AttributesModTime); err != nil {
			return nil, err
		}
		return &SuccessReply{ObjectID: cmd.ObjectID}, nil

	case *SetReplacementFileAttributesCommand:
		change, found, err := c.ChangeFileAttributes(ctx, cmd.InDirectory, cmd.Name, cmd.Attributes, cmd.AttributesHash)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, backup.NewError(backup.KindNotFound, cmd.CommandName(), 0,
				"no current version of %s in directory %s", cmd.Name, backup.FormatObjectID(cmd.InDirectory))
		}
		return &SuccessReply{ObjectID: change.ObjectID}, nil

	case *DeleteFileCommand:
		id, _, err := c.DeleteFile(ctx, cmd.InDirectory, cmd.Name)
		if err != nil {
			return nil, err
		}
		return &SuccessReply{ObjectID: id}, nil

	case *UndeleteFileCommand:
		ok, err := c.UndeleteFile(ctx, cmd.ObjectID, cmd.InDirectory)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &SuccessReply{}, nil
		}
		return &SuccessReply{ObjectID: cmd.ObjectID}, nil

	case *DeleteDirectoryCommand:
		if err := c.DeleteDirectory(ctx, cmd.ObjectID, false); err != nil {
			return nil, err
		}
		return &SuccessReply{ObjectID: cmd.ObjectID}, nil

	case *UndeleteDirectoryCommand:
		if err := c.DeleteDirectory(ctx, cmd.ObjectID, true); err != nil {
			return nil, err
		}
		return &SuccessReply{ObjectID: cmd.ObjectID}, nil

	case *MoveObjectCommand:
		if err := c.MoveObject(ctx, MoveRequest{
			ObjectID:             cmd.ObjectID,
			From:                 cmd.MoveFrom,
			To:                   cmd.MoveTo,
			NewName:              cmd.NewName,
			MoveAllWithSameName:  cmd.MoveAllWithSameName,
			AllowMoveOverDeleted: cmd.AllowMoveOverDeleted,
		}); err != nil {
			return nil, err
		}
		return &SuccessReply{ObjectID: cmd.ObjectID}, nil

	case *GetBlockIndexByNameCommand:
		id, index, err := c.GetBlockIndexByName(ctx, cmd.InDirectory, cmd.Name)
		if err != nil {
			return nil, err
		}
		return &BlockIndexReply{ObjectID: id, Index: index}, nil

	case *GetAccountUsageCommand:
		return c.accountUsage(ctx)

	case *SetClientStoreMarkerCommand:
		if err := c.SetClientStoreMarker(ctx, cmd.Marker); err != nil {
			return nil, err
		}
		return &SuccessReply{}, nil

	default:
		return nil, backup.NewError(backup.KindProtocolViolation, "Dispatch", 0,
			"unknown command %T", cmd)
	}
}

// accountUsage reports usage after making it durable: a writing session
// first writes back its directories and saves StoreInfo.
func (c *Context) accountUsage(ctx context.Context) (Reply, error) {
	if err := c.requireRead("GetAccountUsage"); err != nil {
		return nil, err
	}
	if !c.readOnly {
		if err := c.writeDirtyDirectories(ctx); err != nil {
			return nil, err
		}
		if err := c.SaveStoreInfo(ctx, false); err != nil {
			return nil, err
		}
	}
	return &AccountUsageReply{
		AccountName:          c.info.AccountName,
		BlockSize:            c.fs.BlockSize(),
		BlocksUsed:           c.info.BlocksUsed,
		BlocksInOldFiles:     c.info.BlocksInOldFiles,
		BlocksInDeletedFiles: c.info.BlocksInDeletedFiles,
		BlocksInDirectories:  c.info.BlocksInDirectories,
		BlocksSoftLimit:      c.info.BlocksSoftLimit,
		BlocksHardLimit:      c.info.BlocksHardLimit,
	}, nil
}

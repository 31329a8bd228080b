package store

import (
	"errors"
)

// Code identifies a class of store failure that callers can render specifically.
type Code string

const (
	// CodeNone is returned by CodeOf for errors that carry no store code.
	CodeNone Code = ""
	// CodeNoDB means the store was used before Initialize or after Close.
	CodeNoDB Code = "NODB"
	// CodeNoClientInformation means a remote call was attempted without credentials.
	CodeNoClientInformation Code = "NOCLIENTINFORMATION"
	// CodeFolderDuplicateTitle means a folder with the same title already exists.
	CodeFolderDuplicateTitle Code = "FOLDER_DUPLICATE_TITLE"
	// CodeBookmarkNotFound means the referenced bookmark_id is not in the store.
	CodeBookmarkNotFound Code = "BOOKMARK_NOT_FOUND"
	// CodeFolderNotFound means the referenced folder is not in the store.
	CodeFolderNotFound Code = "FOLDER_NOT_FOUND"
	// CodeInvalidDestinationFolder means a move targeted a folder bookmarks cannot live in.
	CodeInvalidDestinationFolder Code = "INVALID_DESTINATION_FOLDER"
)

// Error is a store failure tagged with a Code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Is matches any *Error with the same code, so wrapped copies compare equal
// to the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrNoDB                     = &Error{Code: CodeNoDB, Message: "store is not initialized"}
	ErrNoClientInformation      = &Error{Code: CodeNoClientInformation, Message: "no client credentials configured"}
	ErrFolderDuplicateTitle     = &Error{Code: CodeFolderDuplicateTitle, Message: "a folder with this title already exists"}
	ErrBookmarkNotFound         = &Error{Code: CodeBookmarkNotFound, Message: "bookmark not found"}
	ErrFolderNotFound           = &Error{Code: CodeFolderNotFound, Message: "folder not found"}
	ErrInvalidDestinationFolder = &Error{Code: CodeInvalidDestinationFolder, Message: "bookmarks cannot be moved to this folder"}
)

// Errors outside the taxonomy. These indicate caller bugs rather than
// conditions a UI would explain to a user.
var (
	ErrMissingFolder   = errors.New("bookmark has no folder_dbid")
	ErrInvalidProgress = errors.New("progress must be between 0 and 1")
	ErrBuiltInFolder   = errors.New("built-in folders cannot be removed")
)

// CodeOf returns the store code carried by err, or CodeNone.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeNone
}

// Package locale holds the user-facing strings of the sandbox.
//
// The dojo shipped in Japanese first; English is the default for the service.
// Both tables must define every field; Lookup never falls back per field.
package locale

import "fmt"

// Messages is one complete table of sandbox strings.
type Messages struct {
	// Console shim markers.
	WarnMarker  string
	InfoMarker  string
	ErrorMarker string

	// NoOutput is emitted when an execution produced nothing at all.
	NoOutput string

	// DeniedIdentifier is a format string taking the offending identifier.
	DeniedIdentifier string
	DeniedConstruct  string

	RuntimeFallback string
	EmptyInput      string
	SpawnFailure    string
	// Timeout is a format string taking the budget in whole seconds.
	Timeout      string
	WorkerError  string // format string taking the worker's message
	UnknownError string
	Cancelled    string
}

var tables = map[string]Messages{
	"en": {
		WarnMarker:       "Warning: ",
		InfoMarker:       "Info: ",
		ErrorMarker:      "Error: ",
		NoOutput:         "(no output)",
		DeniedIdentifier: "use of %s is not allowed for security reasons",
		DeniedConstruct:  "use of eval() or Function() is not allowed",
		RuntimeFallback:  "an error occurred during execution",
		EmptyInput:       "please enter code",
		SpawnFailure:     "failed to initialize the code execution environment",
		Timeout:          "execution timed out (must finish within %d seconds)",
		WorkerError:      "worker error: %s",
		UnknownError:     "unknown error",
		Cancelled:        "execution cancelled",
	},
	"ja": {
		WarnMarker:       "警告: ",
		InfoMarker:       "情報: ",
		ErrorMarker:      "エラー: ",
		NoOutput:         "(出力なし)",
		DeniedIdentifier: "セキュリティ上の理由により、%sの使用は許可されていません",
		DeniedConstruct:  "eval()やFunction()の使用は許可されていません",
		RuntimeFallback:  "実行エラーが発生しました",
		EmptyInput:       "コードを入力してください",
		SpawnFailure:     "コード実行環境の初期化に失敗しました。Workerファイルが見つかりません。",
		Timeout:          "実行がタイムアウトしました（%d秒以内に完了してください）",
		WorkerError:      "Workerエラー: %s",
		UnknownError:     "不明なエラー",
		Cancelled:        "実行がキャンセルされました",
	},
}

// Default is the table used when no locale is configured.
const Default = "en"

// Lookup returns the table for tag ("en", "ja").
func Lookup(tag string) (Messages, error) {
	if tag == "" {
		tag = Default
	}
	m, ok := tables[tag]
	if !ok {
		return Messages{}, fmt.Errorf("locale: unsupported locale %q", tag)
	}
	return m, nil
}

// MustLookup is Lookup for tags known at compile time.
func MustLookup(tag string) Messages {
	m, err := Lookup(tag)
	if err != nil {
		panic(err)
	}
	return m
}

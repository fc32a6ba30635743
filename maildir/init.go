package maildir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	gomaildir "github.com/emersion/go-maildir"
)

// MuttrcName is the mutt configuration written at the mailbox root.
const MuttrcName = ".muttrc"

// Muttrc returns the path of the mailbox's mutt configuration.
func (m Mailbox) Muttrc() string {
	return filepath.Join(m.Root, MuttrcName)
}

// Init creates every folder with its cur, new and tmp directories and writes
// a mutt configuration that reads and files mail in this mailbox as realName.
func Init(root, realName string) (Mailbox, error) {
	m := New(root)
	if err := os.MkdirAll(m.Root, 0o755); err != nil {
		return m, fmt.Errorf("create %s: %w", m.Root, err)
	}
	for _, folder := range Folders {
		dir := gomaildir.Dir(filepath.Join(m.Root, folder))
		if err := dir.Init(); err != nil {
			return m, fmt.Errorf("init folder %s: %w", folder, err)
		}
	}

	abs, err := filepath.Abs(m.Root)
	if err != nil {
		return m, fmt.Errorf("resolve %s: %w", m.Root, err)
	}

	var sb strings.Builder
	err = muttrcTemplate.Execute(&sb, struct {
		RealName string
		Folder   string
	}{RealName: realName, Folder: abs})
	if err != nil {
		return m, fmt.Errorf("render %s: %w", MuttrcName, err)
	}

	if err := os.WriteFile(m.Muttrc(), []byte(sb.String()), 0o644); err != nil {
		return m, fmt.Errorf("write %s: %w", MuttrcName, err)
	}
	return m, nil
}

var muttrcTemplate = template.Must(template.New("muttrc").Parse(`
set realname="{{.RealName}}"
set envelope_from="yes"
set sendmail="/bin/true"
set my_status_format="-%r-Mutt: %f [Msgs:%?M?%M/?%m%?n? New:%n?%?o? Old:%o?%?d? Del:%d?%?F? Flag:%F?%?t? Tag:%t?%?p? Post:%p?%?b? Inc:%b?%?l? %l?]---(%s/%S)-%>-(%P)---"
set reverse_name=yes
set reverse_realname=no
set use_from=yes

#################################### Folders ###################################

set folder="{{.Folder}}"
set mbox_type=Maildir
set spoolfile="+INBOX"

set copy=yes
set move=no

set record="+Sent"
set postponed="+Drafts"
save-hook . "+Archive"

folder-hook "+.*" 'macro index d "<save-message>+Trash<enter><enter>"'
folder-hook "+Trash" 'macro index d <delete-message>'
macro index,pager a '<save-message>+Archive<enter><enter>'
set mask="!^\\.[^.]"

mailboxes `+"`"+`echo -n "+ "; find {{.Folder}} -maxdepth 1 -type d -name ".*" -printf "+'%f' "`+"`"+`

################################### Browsing ###################################

# Show mailboxes with unread, new mail.
macro index,pager y <change-folder>?<toggle-mailboxes>
# Stop at the end of messages
set pager_stop=yes
# show N index lines above the message when viewing it
set pager_index_lines=10
# sort messages in a nice way
set sort="threads"
set sort_aux="reverse-last-date-received"

################################### Composing ##################################

set edit_headers="yes"

###################################### Misc ####################################

auto_view text/x-vcard text/html text/enriched
set mark_old=no

# vim: filetype=muttrc
`))

package eventdb

const eventTableSchema = `
create table if not exists event (
	seq integer primary key,
	kind text not null,
	account blob(20) not null,
	amount blob(32) not null,
	active integer not null,
	time integer not null
);

CREATE INDEX if not exists accountIndex on event(account);
CREATE INDEX if not exists kindIndex on event(kind);
CREATE INDEX if not exists timeIndex on event(time);
`
